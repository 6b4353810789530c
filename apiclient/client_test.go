package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examprep-server/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc, secret string) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/api/proxy/", SharedSecret: secret})
}

func TestDoSendsTokenAndBody(t *testing.T) {
	var gotPath, gotAuth, gotSecret, gotType string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotSecret = r.Header.Get(SecretHeader)
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}, "")

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Do(context.Background(), http.MethodPost, "/api/exams/submit", map[string]any{"mode": "exam"}, "tok", &out)
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, "/api/proxy/exams/submit", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Empty(t, gotSecret)
	assert.Contains(t, gotType, "application/json")
	assert.Equal(t, "exam", gotBody["mode"])
}

func TestDoAttachesSharedSecret(t *testing.T) {
	var gotSecret, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get(SecretHeader)
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}, "s3cret")

	require.NoError(t, c.Do(context.Background(), http.MethodGet, "auth/me", nil, "", nil))
	assert.Equal(t, "s3cret", gotSecret)
	assert.Empty(t, gotAuth)
}

func TestDoErrorDetail(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"string detail", http.StatusUnauthorized, `{"detail":"Invalid credentials"}`, "Invalid credentials"},
		{"validation list", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"},{"msg":"too short"}]}`, "field required; too short"},
		{"missing detail", http.StatusInternalServerError, `{"error":"boom"}`, DefaultErrorMessage},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, DefaultErrorMessage},
		{"empty detail", http.StatusBadRequest, `{"detail":""}`, DefaultErrorMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}, "")
			err := c.Do(context.Background(), http.MethodGet, "/auth/me", nil, "", nil)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tc.status, apiErr.Status)
			assert.Equal(t, tc.want, apiErr.Detail)
			assert.True(t, IsStatus(err, tc.status))
		})
	}
}

func TestDoTransportError(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:1"})
	err := c.Do(context.Background(), http.MethodGet, "/auth/me", nil, "", nil)
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestQuestionsAcceptsBothShapes(t *testing.T) {
	bodies := map[string]string{
		"/api/proxy/questions/demo": `[{"id":1,"question":"q1","options":["a","b"],"correct":1,"explanation":"e"}]`,
		"/api/proxy/questions/exam": `{"questions":[{"id":"x-2","question":"q2","options":["a","b","c"],"correct":0,"explanation":"e"}]}`,
	}
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(bodies[r.URL.Path]))
	}, "")

	demo, err := c.Questions(context.Background(), models.ModeDemo, "", "ru", "")
	require.NoError(t, err)
	require.Len(t, demo, 1)
	assert.Equal(t, models.QuestionID("1"), demo[0].ID)
	assert.Equal(t, "lang=ru", gotQuery)

	exam, err := c.Questions(context.Background(), models.ModeExam, "", "kz", "tok")
	require.NoError(t, err)
	require.Len(t, exam, 1)
	assert.Equal(t, models.QuestionID("x-2"), exam[0].ID)
	assert.Len(t, exam[0].Options, 3)
}

func TestQuestionsTrainerNeedsSection(t *testing.T) {
	c := New(Options{BaseURL: "http://unused"})
	_, err := c.Questions(context.Background(), models.ModeTrainer, "", "kz", "tok")
	require.Error(t, err)
}

func TestTrainerQuestionsSendSection(t *testing.T) {
	var gotSection string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotSection = r.URL.Query().Get("section")
		_, _ = w.Write([]byte(`[]`))
	}, "")
	qs, err := c.Questions(context.Background(), models.ModeTrainer, "civil_code", "kz", "tok")
	require.NoError(t, err)
	assert.Empty(t, qs)
	assert.Equal(t, "civil_code", gotSection)
}

func TestLoginDecodesToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/proxy/auth/login", r.URL.Path)
		_, _ = w.Write([]byte(`{"access_token":"abc","user":{"id":7,"phone":"+77001234567","name":"Aru"}}`))
	}, "")
	res, err := c.Login(context.Background(), models.UserLogin{Phone: "+77001234567", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.AccessToken)
	assert.Equal(t, models.UserID("7"), res.User.ID)
}

func TestListQuestionsPagination(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("page_size"))
		_, _ = w.Write([]byte(`{"items":[{"id":"q1","question":{"kz":"k","ru":"r"},"options":[],"correct":0,"explanation":{"kz":"","ru":""},"section":"civil_code"}],"total":11,"page":2,"page_size":10,"total_pages":2}`))
	}, "")
	page, err := c.ListQuestions(context.Background(), "tok", 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 11, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "r", page.Items[0].Question.RU)
}

package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"examprep-server/apiclient"
	"examprep-server/logger"
	"examprep-server/metrics"
	"examprep-server/middleware"
	"examprep-server/models"
	"examprep-server/session"
	"examprep-server/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSource struct {
	questions []models.Question
}

func (f *fakeSource) Questions(context.Context, models.Mode, string, string, string) ([]models.Question, error) {
	return f.questions, nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	err    error
	tokens []string
}

func (f *fakeSubmitter) SubmitExam(_ context.Context, token string, _ models.ExamSubmit) (*models.ExamResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.err != nil {
		return nil, f.err
	}
	return &models.ExamResult{ID: "r1"}, nil
}

func (f *fakeSubmitter) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func sampleQuestions(n int) []models.Question {
	qs := make([]models.Question, n)
	for i := range qs {
		qs[i] = models.Question{
			ID:          models.QuestionID(fmt.Sprintf("q%d", i+1)),
			Question:    fmt.Sprintf("Вопрос %d", i+1),
			Options:     []string{"a", "b", "c", "d"},
			Correct:     1,
			Explanation: "потому что",
			Section:     "civil_code",
		}
	}
	return qs
}

type harness struct {
	router    *gin.Engine
	registry  *session.Registry
	callers   *Callers
	submitter *fakeSubmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, middleware.IdentifyConfig{})
}

func newHarnessWith(t *testing.T, identify middleware.IdentifyConfig) *harness {
	t.Helper()
	log := logger.Discard()
	callers := NewCallers("kz", log)
	sub := &fakeSubmitter{}
	deps := session.Deps{
		Questions: &fakeSource{questions: sampleQuestions(3)},
		Submitter: sub,
		Store:     store.NewMemory(0),
		Log:       log,
	}
	registry := session.NewRegistry(MachineFactory(callers, deps, session.Options{}))
	t.Cleanup(registry.Close)

	r := gin.New()
	r.HTMLRender = NewRenderer()
	r.Use(middleware.Identify(identify, log))
	NewSessions(registry, callers, log).Register(r.Group("/api/v1/sessions"))
	r.GET("/results/:mode", Results(registry, callers))
	r.GET("/healthz", Health(registry))
	return &harness{router: r, registry: registry, callers: callers, submitter: sub}
}

type sessionResponse struct {
	Error    string            `json:"error"`
	Session  session.View      `json:"session"`
	Feedback *session.Feedback `json:"feedback"`
}

func (h *harness) do(t *testing.T, method, path, token, body string) (int, sessionResponse) {
	t.Helper()
	w := h.raw(method, path, token, body)
	var res sessionResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	}
	return w.Code, res
}

func (h *harness) raw(method, path, token, body string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestDemoSessionFlow(t *testing.T) {
	h := newHarness(t)
	const tok = "demo-user"

	code, res := h.do(t, http.MethodGet, "/api/v1/sessions/demo", tok, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.PhaseNotStarted, res.Session.Phase)
	assert.Equal(t, 3, res.Session.Total)

	code, res = h.do(t, http.MethodPost, "/api/v1/sessions/demo/start", tok, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.PhaseInProgress, res.Session.Phase)
	require.NotNil(t, res.Session.Question)
	assert.Equal(t, "Вопрос 1", res.Session.Question.Text)

	code, res = h.do(t, http.MethodPost, "/api/v1/sessions/demo/answer", tok, `{"option":1}`)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, res.Feedback)
	assert.True(t, res.Feedback.IsCorrect)

	code, _ = h.do(t, http.MethodPost, "/api/v1/sessions/demo/answer", tok, `{"option":2}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/sessions/demo/answer", tok, `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/sessions/demo/next", tok, "")
	require.Equal(t, http.StatusOK, code)
	code, res = h.do(t, http.MethodPost, "/api/v1/sessions/demo/answer", tok, `{"option":9}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 1, res.Session.Position)

	code, res = h.do(t, http.MethodPost, "/api/v1/sessions/demo/finish", tok, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.PhaseCompleted, res.Session.Phase)
	require.NotNil(t, res.Session.Result)
	assert.Equal(t, 33, res.Session.Result.Percent)

	w := h.raw(http.MethodGet, "/api/v1/sessions/demo/review", tok, "")
	require.Equal(t, http.StatusOK, w.Code)
	var review session.Review
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &review))
	require.Len(t, review.Items, 3)
	assert.Equal(t, 1, review.Items[0].Selected)
	assert.Equal(t, -1, review.Items[1].Selected)

	page := h.raw(http.MethodGet, "/results/demo?lang=ru", tok, "")
	assert.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), "Результаты")
	assert.Contains(t, page.Body.String(), "нет ответа")

	code, res = h.do(t, http.MethodPost, "/api/v1/sessions/demo/restart", tok, `{"refetch":false}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.PhaseNotStarted, res.Session.Phase)
	assert.Equal(t, 3, res.Session.Total)
	assert.Empty(t, h.submitter.tokens)
}

func TestResultsBeforeCompletion(t *testing.T) {
	h := newHarness(t)
	page := h.raw(http.MethodGet, "/results/demo", "someone", "")
	assert.Equal(t, http.StatusConflict, page.Code)
	assert.Contains(t, page.Body.String(), "аяқталған жоқ")
}

func TestExamRequiresToken(t *testing.T) {
	h := newHarness(t)
	code, res := h.do(t, http.MethodPost, "/api/v1/sessions/exam/start", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, session.ErrAuthRequired.Error(), res.Error)
	assert.True(t, res.Session.RequiresAuth)
}

func TestExamSubmissionFailureAndResubmit(t *testing.T) {
	h := newHarness(t)
	const tok = "exam-user"
	h.submitter.fail(&apiclient.APIError{Status: http.StatusServiceUnavailable, Detail: "down"})

	code, _ := h.do(t, http.MethodPost, "/api/v1/sessions/exam/start", tok, "")
	require.Equal(t, http.StatusOK, code)
	code, res := h.do(t, http.MethodPost, "/api/v1/sessions/exam/finish", tok, "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, models.PhaseCompleted, res.Session.Phase)
	assert.Contains(t, res.Session.SubmitError, "down")

	h.submitter.fail(nil)
	code, res = h.do(t, http.MethodPost, "/api/v1/sessions/exam/resubmit", tok, "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, res.Session.SubmitError)
	require.NotNil(t, res.Session.Result.Recorded)
	assert.Equal(t, "r1", res.Session.Result.Recorded.ID)
	assert.Equal(t, []string{tok, tok}, h.submitter.tokens)

	code, _ = h.do(t, http.MethodPost, "/api/v1/sessions/exam/resubmit", tok, "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, http.MethodPost, "/api/v1/sessions/demo/start", "alice", "")
	require.Equal(t, http.StatusOK, code)
	_, res := h.do(t, http.MethodGet, "/api/v1/sessions/demo", "bob", "")
	assert.Equal(t, models.PhaseNotStarted, res.Session.Phase)
	assert.Equal(t, 2, h.registry.Len())

	w := h.raw(http.MethodGet, "/healthz", "", "")
	assert.Contains(t, w.Body.String(), `"sessions":2`)
}

type directory map[string]models.User

func (d directory) Me(_ context.Context, token string) (*models.User, error) {
	u, ok := d[token]
	if !ok {
		return nil, &apiclient.APIError{Status: http.StatusUnauthorized, Detail: "Could not validate credentials"}
	}
	return &u, nil
}

func hs256(t *testing.T, key, subject string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject}).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestForgedSubjectGetsItsOwnSession(t *testing.T) {
	genuine := hs256(t, "upstream-key", "42")
	forged := hs256(t, "attacker-key", "42")

	tests := []struct {
		name       string
		identify   middleware.IdentifyConfig
		forgedCode int
	}{
		{"without lookup", middleware.IdentifyConfig{}, http.StatusOK},
		{"confirmed by the API", middleware.IdentifyConfig{Users: directory{genuine: {ID: "42"}}}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarnessWith(t, tt.identify)
			code, _ := h.do(t, http.MethodPost, "/api/v1/sessions/exam/start", genuine, "")
			require.Equal(t, http.StatusOK, code)
			code, _ = h.do(t, http.MethodPost, "/api/v1/sessions/exam/answer", genuine, `{"option":1}`)
			require.Equal(t, http.StatusOK, code)

			code, res := h.do(t, http.MethodGet, "/api/v1/sessions/exam", forged, "")
			assert.Equal(t, tt.forgedCode, code)
			assert.NotEqual(t, models.PhaseInProgress, res.Session.Phase)
			assert.Zero(t, res.Session.Answered)
			assert.Nil(t, res.Session.Question)

			code, _ = h.do(t, http.MethodPost, "/api/v1/sessions/exam/finish", forged, "")
			assert.NotEqual(t, http.StatusOK, code)

			_, res = h.do(t, http.MethodGet, "/api/v1/sessions/exam", genuine, "")
			assert.Equal(t, models.PhaseInProgress, res.Session.Phase)
			assert.Equal(t, 1, res.Session.Answered)
			assert.Empty(t, h.submitter.tokens)
		})
	}
}

func TestIdleAnonymousSessionsAreEvicted(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 50; i++ {
		code, _ := h.do(t, http.MethodGet, "/api/v1/sessions/demo", "", "")
		require.Equal(t, http.StatusOK, code)
	}
	code, _ := h.do(t, http.MethodPost, "/api/v1/sessions/demo/start", "keeper", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 51, h.registry.Len())
	assert.Equal(t, 51, h.callers.Len())

	cfg := IdleConfig{Idle: 30 * time.Minute, ActiveIdle: 3 * time.Hour}
	evicted, pruned := sweepOnce(time.Now().Add(31*time.Minute), h.registry, h.callers, cfg)
	assert.Equal(t, 50, evicted)
	assert.Zero(t, pruned)
	assert.Equal(t, 1, h.registry.Len())
	assert.Equal(t, 1, h.callers.Len())

	// the attempt in progress survives and resumes after its machine is evicted
	sweepOnce(time.Now().Add(4*time.Hour), h.registry, h.callers, cfg)
	assert.Zero(t, h.registry.Len())
	_, res := h.do(t, http.MethodGet, "/api/v1/sessions/demo", "keeper", "")
	assert.Equal(t, models.PhaseInProgress, res.Session.Phase)
}

func TestCallersWithoutMachinesArePruned(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	callers := NewCallers("kz", logrus.NewEntry(log))
	r := gin.New()
	r.Use(middleware.Identify(middleware.IdentifyConfig{}, logger.Discard()))
	r.GET("/api/v1/sections", Sections(failingSections{}, callers, logger.Discard()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sections", nil)
	req.Header.Set("Accept-Language", "ru")
	r.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, 1, callers.Len())
	assert.Empty(t, hook.AllEntries())

	live := func(string) bool { return false }
	assert.Zero(t, callers.Prune(time.Now(), time.Minute, live))
	assert.Equal(t, 1, callers.Prune(time.Now().Add(2*time.Minute), time.Minute, live))
	assert.Zero(t, callers.Len())
}

func TestUnknownMode(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(t, http.MethodGet, "/api/v1/sessions/quiz", "", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrAuthRequired, http.StatusUnauthorized},
		{session.ErrInvalidOption, http.StatusBadRequest},
		{session.ErrSectionRequired, http.StatusBadRequest},
		{session.ErrNoQuestions, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", session.ErrSubmissionPending), http.StatusConflict},
		{session.ErrAlreadyAnswered, http.StatusConflict},
		{&apiclient.APIError{Status: 401, Detail: "expired"}, http.StatusUnauthorized},
		{&apiclient.APIError{Status: 500, Detail: "boom"}, http.StatusBadGateway},
		{errors.New("dial tcp: refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestProxyForwardsWithSecret(t *testing.T) {
	var (
		gotPath, gotQuery, gotSecret, gotAuth, gotType string
		gotBody                                        []byte
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		gotSecret = r.Header.Get(apiclient.SecretHeader)
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"bad phone"}`))
	}))
	defer upstream.Close()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := gin.New()
	r.Any("/api/proxy/*path", Proxy(ProxyConfig{BackendURL: upstream.URL, Secret: "s3cret"}, m, logger.Discard()))

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/auth/login?lang=ru", strings.NewReader(`{"phone":"1"}`))
	req.Header.Set("Authorization", "Bearer abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"detail":"bad phone"}`, w.Body.String())
	assert.NotContains(t, w.Body.String()+fmt.Sprint(w.Header()), "s3cret")

	assert.Equal(t, "/api/auth/login", gotPath)
	assert.Equal(t, "lang=ru", gotQuery)
	assert.Equal(t, "s3cret", gotSecret)
	assert.Equal(t, "Bearer abc", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, `{"phone":"1"}`, string(gotBody))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("POST", "4xx")))
}

func TestProxyDropsBodyOnGet(t *testing.T) {
	var gotLen int64 = -1
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotLen = int64(len(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer upstream.Close()

	r := gin.New()
	r.Any("/api/proxy/*path", Proxy(ProxyConfig{BackendURL: upstream.URL}, metrics.NewMetrics(prometheus.NewRegistry()), logger.Discard()))
	req := httptest.NewRequest(http.MethodGet, "/api/proxy/questions", strings.NewReader("ignored"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), gotLen)
}

func TestProxyTransportFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := gin.New()
	r.Any("/api/proxy/*path", Proxy(ProxyConfig{BackendURL: url, Secret: "s3cret"}, m, logger.Discard()))
	req := httptest.NewRequest(http.MethodGet, "/api/proxy/questions", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"detail":"proxy request failed"}`, w.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProxyRequests.WithLabelValues("GET", "error")))
}

type fakeWriter struct {
	created []models.AdminQuestion
	token   string
}

func (f *fakeWriter) ListQuestions(context.Context, string, int, int) (*models.PaginatedResponse[models.AdminQuestion], error) {
	return &models.PaginatedResponse[models.AdminQuestion]{}, nil
}

func (f *fakeWriter) CreateQuestion(_ context.Context, token string, q models.AdminQuestion) (*models.AdminQuestion, error) {
	f.token = token
	f.created = append(f.created, q)
	return &q, nil
}

func (f *fakeWriter) DeleteQuestion(context.Context, string, string) error { return nil }

func TestImportQuestions(t *testing.T) {
	w := &fakeWriter{}
	r := gin.New()
	r.Use(middleware.Identify(middleware.IdentifyConfig{}, logger.Discard()))
	r.POST("/admin/questions/import", ImportQuestions(w, logger.Discard()))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "bank.yaml")
	require.NoError(t, err)
	_, _ = part.Write([]byte(`questions:
  - section: civil_code
    question: {kz: "С", ru: "В"}
    options: [{kz: "а", ru: "а"}, {kz: "б", ru: "б"}]
    correct: 1
  - section: nowhere
    question: {kz: "С", ru: "В"}
    options: [{kz: "а", ru: "а"}, {kz: "б", ru: "б"}]
    correct: 0
`))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/admin/questions/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer admin-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Created  int      `json:"created"`
		Rejected []string `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Rejected, 1)
	assert.Contains(t, res.Rejected[0], "bank.yaml:6")
	assert.Equal(t, "admin-token", w.token)
}

type failingSections struct{}

func (failingSections) LegislationSections(context.Context, string) ([]models.LegislationSection, error) {
	return nil, errors.New("offline")
}

func TestSectionsFallback(t *testing.T) {
	r := gin.New()
	r.Use(middleware.Identify(middleware.IdentifyConfig{}, logger.Discard()))
	r.GET("/api/v1/sections", Sections(failingSections{}, NewCallers("kz", logger.Discard()), logger.Discard()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sections", nil)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res struct {
		Sections []models.LegislationSection `json:"sections"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Sections, 9)
	assert.Equal(t, "civil_code", res.Sections[0].ID)
	assert.Equal(t, "Гражданский кодекс", res.Sections[0].Name)
}

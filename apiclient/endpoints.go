package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"examprep-server/models"
)

// Questions fetches the question set for a mode. Trainer requires a section.
// The service answers either with a bare list or with {"questions": [...]}; both are accepted.
func (c *Client) Questions(ctx context.Context, mode models.Mode, section, locale, token string) ([]models.Question, error) {
	if mode == models.ModeTrainer && section == "" {
		return nil, fmt.Errorf("trainer questions require a section")
	}
	q := url.Values{}
	if section != "" {
		q.Set("section", section)
	}
	if locale != "" {
		q.Set("lang", locale)
	}
	endpoint := "/questions/" + string(mode)
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var raw json.RawMessage
	if err := c.Do(ctx, http.MethodGet, endpoint, nil, token, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var wrapped models.QuestionResponse
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode %s questions: %w", mode, err)
		}
		return wrapped.Questions, nil
	}
	var list []models.Question
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("failed to decode %s questions: %w", mode, err)
	}
	return list, nil
}

// SubmitExam records a finished attempt.
func (c *Client) SubmitExam(ctx context.Context, token string, submit models.ExamSubmit) (*models.ExamResult, error) {
	res, err := Request[models.ExamResult](ctx, c, http.MethodPost, "/exams/submit", submit, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ExamHistory lists the caller's recorded attempts.
func (c *Client) ExamHistory(ctx context.Context, token string) (*models.ExamHistoryResponse, error) {
	res, err := Request[models.ExamHistoryResponse](ctx, c, http.MethodGet, "/exams/history", nil, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ExamDetails returns one recorded attempt with its questions in the given locale.
func (c *Client) ExamDetails(ctx context.Context, token, id, locale string) (*models.ExamDetails, error) {
	endpoint := "/exams/" + url.PathEscape(id)
	if locale != "" {
		endpoint += "?lang=" + url.QueryEscape(locale)
	}
	res, err := Request[models.ExamDetails](ctx, c, http.MethodGet, endpoint, nil, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Me validates a token and returns its user.
func (c *Client) Me(ctx context.Context, token string) (*models.User, error) {
	res, err := Request[models.User](ctx, c, http.MethodGet, "/auth/me", nil, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, in models.UserLogin) (*models.TokenResponse, error) {
	res, err := Request[models.TokenResponse](ctx, c, http.MethodPost, "/auth/login", in, "")
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Register creates an account and returns its token.
func (c *Client) Register(ctx context.Context, in models.UserRegister) (*models.TokenResponse, error) {
	res, err := Request[models.TokenResponse](ctx, c, http.MethodPost, "/auth/register", in, "")
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Translations fetches the label table for a locale.
func (c *Client) Translations(ctx context.Context, locale string) (map[string]any, error) {
	res, err := Request[struct {
		Translations map[string]any `json:"translations"`
	}](ctx, c, http.MethodGet, "/translations/"+url.PathEscape(locale), nil, "")
	if err != nil {
		return nil, err
	}
	return res.Translations, nil
}

// LegislationSections lists the trainer topics.
func (c *Client) LegislationSections(ctx context.Context, locale string) ([]models.LegislationSection, error) {
	res, err := Request[struct {
		Sections []models.LegislationSection `json:"sections"`
	}](ctx, c, http.MethodGet, "/legislation-sections?lang="+url.QueryEscape(locale), nil, "")
	if err != nil {
		return nil, err
	}
	return res.Sections, nil
}

// ListQuestions returns one page of the admin question bank.
func (c *Client) ListQuestions(ctx context.Context, token string, page, pageSize int) (*models.PaginatedResponse[models.AdminQuestion], error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	res, err := Request[models.PaginatedResponse[models.AdminQuestion]](ctx, c, http.MethodGet, "/admin/questions?"+q.Encode(), nil, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// CreateQuestion adds a question to the bank.
func (c *Client) CreateQuestion(ctx context.Context, token string, q models.AdminQuestion) (*models.AdminQuestion, error) {
	q.ID = ""
	res, err := Request[models.AdminQuestion](ctx, c, http.MethodPost, "/admin/questions", q, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateQuestion replaces a question in the bank.
func (c *Client) UpdateQuestion(ctx context.Context, token, id string, q models.AdminQuestion) (*models.AdminQuestion, error) {
	q.ID = ""
	res, err := Request[models.AdminQuestion](ctx, c, http.MethodPut, "/admin/questions/"+url.PathEscape(id), q, token)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeleteQuestion removes a question from the bank.
func (c *Client) DeleteQuestion(ctx context.Context, token, id string) error {
	return c.Do(ctx, http.MethodDelete, "/admin/questions/"+url.PathEscape(id), nil, token, nil)
}

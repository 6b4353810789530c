package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"

	"examprep-server/utils"
)

// SecretHeader carries the server-held shared secret to the upstream API.
const SecretHeader = "X-API-Token"

// DefaultErrorMessage is used when an error response has no usable detail.
const DefaultErrorMessage = "request failed"

// APIError is returned for any non-2xx response.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Detail, e.Status)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Options configures a Client.
type Options struct {
	// BaseURL is either the same-origin proxy root (".../api/proxy") or the upstream API root (".../api").
	BaseURL string
	// SharedSecret is only set for server-side clients; browsers never see it.
	SharedSecret string
	Timeout      time.Duration
}

// Client performs JSON calls against the exam API.
type Client struct {
	http    *req.Client
	baseURL string
}

// New creates a Client. No request is ever retried; idempotency is the caller's concern.
func New(opts Options) *Client {
	c := req.C().
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal).
		SetCommonHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		c.SetTimeout(opts.Timeout)
	}
	if opts.SharedSecret != "" {
		c.SetCommonHeader(SecretHeader, opts.SharedSecret)
	}
	return &Client{http: c, baseURL: strings.TrimRight(opts.BaseURL, "/")}
}

// URL joins an endpoint to the base URL.
func (c *Client) URL(endpoint string) string {
	return c.baseURL + "/" + utils.CleanEndpoint(endpoint)
}

// Do sends body (when non-nil) as JSON with an optional bearer token and decodes the response into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, token string, out any) error {
	r := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")
	if token != "" {
		r.SetBearerAuthToken(token)
	}
	if body != nil {
		r.SetBodyJsonMarshal(body)
	}
	resp, err := r.Send(method, c.URL(endpoint))
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if !resp.IsSuccessState() {
		return errorFromBody(resp.GetStatusCode(), resp.Bytes())
	}
	if out == nil || resp.GetStatusCode() == http.StatusNoContent {
		return nil
	}
	data := resp.Bytes()
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, endpoint, err)
	}
	return nil
}

// Request is the generic form of Do returning a typed value.
func Request[T any](ctx context.Context, c *Client, method, endpoint string, body any, token string) (T, error) {
	var out T
	err := c.Do(ctx, method, endpoint, body, token, &out)
	return out, err
}

// errorFromBody extracts a human-readable message from the "detail" field.
// Detail may be a string or a list of validation errors carrying "msg".
func errorFromBody(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status, Detail: DefaultErrorMessage}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return apiErr
	}
	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		if s != "" {
			apiErr.Detail = s
		}
		return apiErr
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(payload.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		if len(msgs) > 0 {
			apiErr.Detail = strings.Join(msgs, "; ")
		}
	}
	return apiErr
}

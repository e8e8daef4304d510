// Package attemptclient is the exam client's HTTP binding to the attempt
// service.
package attemptclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// APIError is a non-2xx reply from the server. It matches the apperr kind
// sentinels through errors.Is.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("attempt service: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap exposes the classified form of the reply.
func (e *APIError) Unwrap() error {
	var kind apperr.Kind
	switch e.Status {
	case http.StatusNotFound:
		kind = apperr.KindNotFound
	case http.StatusUnauthorized:
		kind = apperr.KindUnauthorized
	case http.StatusConflict:
		kind = apperr.KindStateConflict
	case http.StatusBadRequest:
		kind = apperr.KindValidation
	case http.StatusServiceUnavailable:
		kind = apperr.KindTransientDevice
	default:
		return nil
	}
	return apperr.New(kind, apperr.Reason(e.Code), e.Message)
}

// envelope mirrors response.Response with a deferred data payload.
type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

// Client talks to one attempt service. It keeps the access token issued at
// login and is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger

	mu     sync.RWMutex
	tokens model.SessionTokens
}

// New creates a Client for baseURL, e.g. "https://exam.example.sch.id".
func New(baseURL string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.With().Str("component", "attempt_client").Logger(),
	}
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.AccessToken
}

// Login authenticates and keeps the issued tokens.
func (c *Client) Login(ctx context.Context, req model.LoginRequest) (*model.LoginResponse, error) {
	var res model.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", req, &res, false); err != nil {
		return nil, err
	}
	c.setTokens(res.Tokens)
	return &res, nil
}

// Refresh rotates the token pair.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.tokens.RefreshToken
	c.mu.RUnlock()

	var res struct {
		Tokens model.SessionTokens `json:"session_tokens"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/refresh", model.RefreshRequest{RefreshToken: refresh}, &res, false); err != nil {
		return err
	}
	c.setTokens(res.Tokens)
	return nil
}

// Logout ends the server session and forgets the tokens.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil, true); err != nil {
		return err
	}
	c.setTokens(model.SessionTokens{})
	return nil
}

func (c *Client) FetchQuestions(ctx context.Context, examID uuid.UUID) (*model.QuestionSet, error) {
	var set model.QuestionSet
	if err := c.do(ctx, http.MethodGet, "/api/v1/student/exams/"+examID.String()+"/questions", nil, &set, true); err != nil {
		return nil, err
	}
	return &set, nil
}

func (c *Client) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptSummary, error) {
	var summary model.AttemptSummary
	if err := c.do(ctx, http.MethodGet, attemptPath(attemptID, ""), nil, &summary, true); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) SaveAnswers(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswersRequest) (*model.SaveSummary, error) {
	var summary model.SaveSummary
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID, "/answers"), req, &summary, true); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) Finalize(ctx context.Context, attemptID uuid.UUID) (*model.FinalResult, error) {
	var result model.FinalResult
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID, "/finalize"), nil, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Terminate(ctx context.Context, attemptID uuid.UUID, req model.TerminateRequest) (*model.FinalResult, error) {
	var result model.FinalResult
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID, "/terminate"), req, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ReportViolations(ctx context.Context, attemptID uuid.UUID, events []model.ViolationEvent) (int, error) {
	var res struct {
		Accepted int `json:"accepted"`
	}
	body := model.ViolationBatchRequest{Events: events}
	if err := c.do(ctx, http.MethodPost, attemptPath(attemptID, "/violations"), body, &res, true); err != nil {
		return 0, err
	}
	return res.Accepted, nil
}

func (c *Client) setTokens(t model.SessionTokens) {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
}

func attemptPath(attemptID uuid.UUID, suffix string) string {
	return "/api/v1/student/attempts/" + attemptID.String() + suffix
}

// do sends one JSON request and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, auth bool) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br")
	if auth {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		reader = brotli.NewReader(resp.Body)
	}

	var env envelope
	if err := json.NewDecoder(reader).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode %d response: %w", method, path, resp.StatusCode, err)
	}

	if resp.StatusCode >= http.StatusBadRequest || env.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Fields
		}
		c.log.Debug().Str("path", path).Int("status", resp.StatusCode).Str("code", string(apiErr.Code)).Msg("Request rejected")
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s %s: decode data: %w", method, path, err)
	}
	return nil
}

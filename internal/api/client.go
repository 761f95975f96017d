package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golive/native/internal/domain"
	"golive/native/internal/tracing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type createRequest struct {
	Name string `json:"name"`
}

type conflictResponse struct {
	ActiveStream domain.ActiveStream `json:"activeStream"`
}

type byCreatorResponse struct {
	Streams []domain.StreamSummary `json:"streams"`
}

// Client talks to the backend that issues and stores stream credentials.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// NewClient creates an API client. baseURL has no trailing slash requirement.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Create asks the backend for a new stream. A 409 means the creator already
// has an active stream; the returned error carries its title.
func (c *Client) Create(ctx context.Context, title string) (creds *domain.Credentials, err error) {
	ctx, span := tracing.TraceRegistry(ctx, "create")
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	body, err := json.Marshal(createRequest{Name: title})
	if err != nil {
		return nil, fmt.Errorf("marshal create request: %w", err)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/stream/create", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		var conflict conflictResponse
		if err := json.Unmarshal(respBody, &conflict); err != nil {
			return nil, fmt.Errorf("unmarshal conflict response: %w", err)
		}
		c.logger.Infow("creator already has an active stream", "stream_id", conflict.ActiveStream.ID)
		return nil, domain.NewConflictError(conflict.ActiveStream)
	default:
		return nil, domain.WrapError(
			fmt.Errorf("http %d: %s", status, string(respBody)),
			domain.KindBackend, "create stream")
	}

	creds = &domain.Credentials{}
	if err := json.Unmarshal(respBody, creds); err != nil {
		return nil, fmt.Errorf("unmarshal create response: %w", err)
	}
	if creds.StreamKey == "" {
		return nil, domain.NewError(domain.KindBackend, "create stream: response has no stream key")
	}
	span.SetAttributes(tracing.StreamIDKey.String(creds.ID))
	return creds, nil
}

// LookupActive returns the creator's current stream, or nil if there is none.
// The stream key is never part of the lookup response.
func (c *Client) LookupActive(ctx context.Context, creatorID string) (active *domain.StreamSummary, err error) {
	ctx, span := tracing.TraceRegistry(ctx, "lookup_active")
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if creatorID == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "creator id is required")
	}

	path := "/stream/by-creator?creatorDID=" + url.QueryEscape(creatorID)
	status, respBody, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, domain.WrapError(
			fmt.Errorf("http %d: %s", status, string(respBody)),
			domain.KindBackend, "lookup active stream")
	}

	var resp byCreatorResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal lookup response: %w", err)
	}
	if len(resp.Streams) == 0 {
		return nil, nil
	}
	return &resp.Streams[0], nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create http request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, domain.WrapError(err, domain.KindBackend, "http request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// CreatorFromToken extracts the creator DID from the API token's subject.
// The token is not verified here; the backend does that on every call.
func CreatorFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("token subject: %w", err)
	}
	if sub == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return sub, nil
}

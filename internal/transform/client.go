package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	transformationsPath = "/v1/transformations"
	maxErrorBodyBytes   = 1024
)

// Client is the HTTP adapter for the transformation provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	nowFn      func() time.Time
}

var _ Transformer = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) { client.httpClient = httpClient }
}

// WithAPIKey sets the bearer token sent to the provider.
func WithAPIKey(apiKey string) Option {
	return func(client *Client) { client.apiKey = strings.TrimSpace(apiKey) }
}

// WithRateLimit paces outbound calls. A zero limit disables pacing.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(client *Client) {
		if limit <= 0 {
			client.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewClient creates a provider client rooted at baseURL.
func NewClient(baseURL string, options ...Option) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: http.DefaultClient,
		nowFn:      time.Now,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

type apiRequest struct {
	Mode       string            `json:"mode"`
	Images     []string          `json:"images"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type apiResponse struct {
	ID                string `json:"id"`
	OutputURL         string `json:"output_url"`
	Error             string `json:"error,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Transform posts the request and classifies the provider's answer.
func (client *Client) Transform(ctx context.Context, request Request) (Result, error) {
	if err := request.Validate(); err != nil {
		return Result{}, err
	}
	if client.limiter != nil {
		if err := client.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("transform: pacing: %w", err)
		}
	}
	body, err := json.Marshal(apiRequest{Mode: string(request.Mode), Images: request.Images, Parameters: request.Parameters})
	if err != nil {
		return Result{}, fmt.Errorf("transform: marshal request: %w", err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+transformationsPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("transform: create request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	}
	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, &ProviderError{Kind: KindFailed, Err: fmt.Errorf("%w: %v", ErrProviderUnavailable, err)}
	}
	defer httpResponse.Body.Close()

	if err := client.mapHTTPError(httpResponse); err != nil {
		return Result{}, err
	}
	var decoded apiResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&decoded); err != nil {
		return Result{}, &ProviderError{Kind: KindFailed, StatusCode: httpResponse.StatusCode, Err: fmt.Errorf("%w: decode response: %v", ErrProviderUnavailable, err)}
	}
	if strings.TrimSpace(decoded.OutputURL) == "" {
		return Result{}, &ProviderError{Kind: KindFailed, StatusCode: httpResponse.StatusCode, Err: ErrEmptyOutput}
	}
	return Result{OutputURL: decoded.OutputURL, ProviderRef: decoded.ID}, nil
}

func (client *Client) mapHTTPError(response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	detail := strings.TrimSpace(string(body))
	if readErr != nil {
		body = nil
		detail = fmt.Sprintf("read error body: %v", readErr)
	}
	switch response.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(response.Header.Get("Retry-After"), client.nowFn())
		if retryAfter == 0 {
			var decoded apiResponse
			if json.Unmarshal(body, &decoded) == nil {
				retryAfter = decoded.RetryAfterSeconds
			}
		}
		return RateLimited(retryAfter)
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ProviderError{Kind: KindFailed, StatusCode: response.StatusCode, Err: ErrAuthFailed}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ProviderError{Kind: KindFailed, StatusCode: response.StatusCode, Err: fmt.Errorf("%w: %s", ErrInvalidRequest, detail)}
	default:
		if readErr != nil {
			return &ProviderError{Kind: KindFailed, StatusCode: response.StatusCode, Err: fmt.Errorf("%w: %s", ErrProviderUnavailable, detail)}
		}
		return &ProviderError{Kind: KindFailed, StatusCode: response.StatusCode, Err: ErrProviderUnavailable}
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date and returns whole seconds.
func parseRetryAfter(raw string, now time.Time) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(trimmed); err == nil {
		if seconds < 0 {
			return 0
		}
		return seconds
	}
	if at, err := http.ParseTime(trimmed); err == nil {
		delta := at.Sub(now)
		if delta <= 0 {
			return 0
		}
		return int((delta + time.Second - 1) / time.Second)
	}
	return 0
}

// Package transform talks to the AI image transformation provider.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the transformation the provider performs.
type Mode string

const (
	ModeAdd     Mode = "add"
	ModeRemove  Mode = "remove"
	ModeEnhance Mode = "enhance"

	// MaxImages bounds how many input images one request may carry.
	MaxImages = 4
)

// Error kinds reported by ProviderError.
const (
	KindRateLimited = "rate_limited"
	KindFailed      = "failed"
)

// Sentinel errors.
var (
	ErrInvalidRequest      = errors.New("transform: invalid request")
	ErrRateLimited         = errors.New("transform: rate limited by provider")
	ErrAuthFailed          = errors.New("transform: authentication failed")
	ErrProviderUnavailable = errors.New("transform: provider unavailable")
	ErrEmptyOutput         = errors.New("transform: provider returned no artifact")
)

// ParseMode validates a mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeAdd:
		return ModeAdd, nil
	case ModeRemove:
		return ModeRemove, nil
	case ModeEnhance:
		return ModeEnhance, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, raw)
	}
}

// Request is one transformation invocation.
type Request struct {
	Mode       Mode
	Images     []string
	Parameters map[string]string
}

// Validate checks the request before any credit is reserved.
func (request Request) Validate() error {
	if _, err := ParseMode(string(request.Mode)); err != nil {
		return err
	}
	if len(request.Images) == 0 {
		return fmt.Errorf("%w: at least one image is required", ErrInvalidRequest)
	}
	if len(request.Images) > MaxImages {
		return fmt.Errorf("%w: at most %d images", ErrInvalidRequest, MaxImages)
	}
	if request.Mode == ModeAdd && len(request.Images) < 2 && strings.TrimSpace(request.Parameters["prompt"]) == "" {
		return fmt.Errorf("%w: add needs a design image or a prompt", ErrInvalidRequest)
	}
	for _, image := range request.Images {
		if strings.TrimSpace(image) == "" {
			return fmt.Errorf("%w: empty image reference", ErrInvalidRequest)
		}
	}
	return nil
}

// Result is the produced artifact.
type Result struct {
	OutputURL   string
	ProviderRef string
}

// Transformer runs a transformation. Implementations must honor ctx cancellation.
type Transformer interface {
	Transform(ctx context.Context, request Request) (Result, error)
}

// ProviderError is a classified provider failure.
type ProviderError struct {
	Kind              string
	StatusCode        int
	RetryAfterSeconds int
	Err               error
}

func (providerError *ProviderError) Error() string {
	if providerError.Kind == KindRateLimited {
		return fmt.Sprintf("transform: provider status=%d kind=%s retry_after=%ds: %v", providerError.StatusCode, providerError.Kind, providerError.RetryAfterSeconds, providerError.Err)
	}
	return fmt.Sprintf("transform: provider status=%d kind=%s: %v", providerError.StatusCode, providerError.Kind, providerError.Err)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// RateLimited builds the error a provider returns when throttling.
func RateLimited(retryAfterSeconds int) *ProviderError {
	return &ProviderError{Kind: KindRateLimited, StatusCode: 429, RetryAfterSeconds: retryAfterSeconds, Err: ErrRateLimited}
}

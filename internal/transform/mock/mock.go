// Package mock provides a scriptable Transformer for tests and local runs.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/MarkoPoloResearchLab/inkledger/internal/transform"
)

// Transformer is a mock transformation provider.
type Transformer struct {
	latency    time.Duration
	staticErr  error
	panicValue interface{}
	outputURL  string
	resultFunc func(transform.Request) (transform.Result, error)
	callCount  atomic.Int64
}

var _ transform.Transformer = (*Transformer)(nil)

// Option configures a mock Transformer.
type Option func(*Transformer)

// New creates a mock that succeeds with a fixed artifact unless configured otherwise.
func New(options ...Option) *Transformer {
	transformer := &Transformer{outputURL: "https://cdn.example.test/mock-output.png"}
	for _, option := range options {
		option(transformer)
	}
	return transformer
}

// WithLatency adds simulated latency to each call.
func WithLatency(latency time.Duration) Option {
	return func(transformer *Transformer) { transformer.latency = latency }
}

// WithError makes every call fail with err.
func WithError(err error) Option {
	return func(transformer *Transformer) { transformer.staticErr = err }
}

// WithPanic makes every call panic with value.
func WithPanic(value interface{}) Option {
	return func(transformer *Transformer) { transformer.panicValue = value }
}

// WithOutputURL sets the artifact returned on success. An empty URL simulates a missing artifact.
func WithOutputURL(outputURL string) Option {
	return func(transformer *Transformer) { transformer.outputURL = outputURL }
}

// WithResultFunc sets a custom result function.
func WithResultFunc(fn func(transform.Request) (transform.Result, error)) Option {
	return func(transformer *Transformer) { transformer.resultFunc = fn }
}

// Calls reports how many times Transform ran.
func (transformer *Transformer) Calls() int64 {
	return transformer.callCount.Load()
}

func (transformer *Transformer) Transform(ctx context.Context, request transform.Request) (transform.Result, error) {
	transformer.callCount.Add(1)
	if transformer.latency > 0 {
		timer := time.NewTimer(transformer.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return transform.Result{}, ctx.Err()
		}
	}
	if transformer.panicValue != nil {
		panic(transformer.panicValue)
	}
	if transformer.staticErr != nil {
		return transform.Result{}, transformer.staticErr
	}
	if transformer.resultFunc != nil {
		return transformer.resultFunc(request)
	}
	return transform.Result{OutputURL: transformer.outputURL, ProviderRef: "mock-" + string(request.Mode)}, nil
}

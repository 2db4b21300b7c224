package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"syscall"
)

// Provider talks to one LLM backend. Implementations translate Request into
// the backend's native payload and must not retry internally.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ProviderConfig describes one configured connection.
type ProviderConfig struct {
	Name    string
	Type    string // anthropic, openai
	APIKey  string
	BaseURL string
}

// ProviderConstructor builds a Provider from its configuration.
type ProviderConstructor func(cfg ProviderConfig) (Provider, error)

// ProviderFactory builds providers keyed by connection type.
type ProviderFactory struct {
	constructors map[string]ProviderConstructor
}

// NewProviderFactory returns a factory that knows the anthropic and openai types.
func NewProviderFactory() *ProviderFactory {
	f := &ProviderFactory{constructors: make(map[string]ProviderConstructor)}
	f.Register("anthropic", func(cfg ProviderConfig) (Provider, error) {
		return NewAnthropicProvider(cfg), nil
	})
	f.Register("openai", func(cfg ProviderConfig) (Provider, error) {
		return NewOpenAIProvider(cfg), nil
	})
	return f
}

// Register adds or replaces the constructor for a connection type.
func (f *ProviderFactory) Register(typ string, ctor ProviderConstructor) {
	f.constructors[typ] = ctor
}

// Types lists the known connection types.
func (f *ProviderFactory) Types() []string {
	out := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewProvider builds the provider for cfg.
func (f *ProviderFactory) NewProvider(cfg ProviderConfig) (Provider, error) {
	ctor, ok := f.constructors[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key is empty", cfg.Name)
	}
	return ctor(cfg)
}

// ProviderError is a failed provider call, classified for the retry policy.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// transientStatus lists HTTP statuses that indicate a temporary condition.
func transientStatus(code int) bool {
	switch {
	case code == 408, code == 409, code == 429:
		return true
	case code >= 500:
		return true
	}
	return false
}

// classifyError wraps a raw SDK error. statusCode is 0 when no HTTP response
// was received.
func classifyError(provider string, statusCode int, err error) *ProviderError {
	pe := &ProviderError{Provider: provider, StatusCode: statusCode, Err: err}
	switch {
	case statusCode != 0:
		pe.Transient = transientStatus(statusCode)
	case errors.Is(err, context.Canceled):
		pe.Transient = false
	case errors.Is(err, context.DeadlineExceeded):
		pe.Transient = true
	case isConnectionError(err):
		pe.Transient = true
	}
	return pe
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

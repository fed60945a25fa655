// Package generate is the seam to the external synthesis backend. It is the
// one component allowed to be slow or unreliable; retry and backoff policy
// belongs to callers, not here.
package generate

import (
	"context"
	"fmt"
)

// Request carries everything a backend needs to synthesize one unit.
type Request struct {
	UnitName    string
	Symbols     []string
	Hint        string
	TypeSchemas map[string]string
	OutputTypes map[string]string
}

// Client generates unit source text. Implementations must strip any wrapping
// formatting (markdown fences) before returning, and must fail with a
// *GenerationError instead of returning empty content.
type Client interface {
	GenerateUnit(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to the Client interface. Used heavily in tests.
type ClientFunc func(ctx context.Context, req Request) (string, error)

// GenerateUnit implements Client.
func (f ClientFunc) GenerateUnit(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// GenerationError is a hard failure of a synthesis attempt: backend
// unreachable, empty or malformed output, or symbols still missing after the
// one permitted retry. It always names the offending unit.
type GenerationError struct {
	Unit   string
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed for unit %s: %s: %v", e.Unit, e.Reason, e.Err)
	}
	return fmt.Sprintf("generation failed for unit %s: %s", e.Unit, e.Reason)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// OfflineClient is the deterministic offline backend: it has no fallback and
// refuses every request. Selecting it makes resolution failures explicit
// rather than producing placeholder code.
type OfflineClient struct{}

// NewOfflineClient creates an OfflineClient.
func NewOfflineClient() *OfflineClient {
	return &OfflineClient{}
}

// GenerateUnit implements Client.
func (*OfflineClient) GenerateUnit(_ context.Context, req Request) (string, error) {
	return "", &GenerationError{
		Unit:   req.UnitName,
		Reason: "offline mode has no generation fallback",
	}
}

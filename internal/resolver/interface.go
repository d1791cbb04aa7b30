// Package resolver turns a source video URL into a direct, short-lived
// download link by driving the third-party converter page. The page is
// UI-only, so resolution means automating it rather than calling an API.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemfetch/stemfetch/config"
	"github.com/stemfetch/stemfetch/internal/media"
)

// ErrTimeout is returned when the download link does not appear within
// the configured wait window.
var ErrTimeout = errors.New("resolution timed out")

// Error is a non-timeout resolution failure: the page structure changed,
// the source URL was rejected, or the browser could not be driven.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolution failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("resolution failed: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver resolves a source URL into a direct download link. The
// returned link expires quickly and must be consumed immediately.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (*media.ResolvedLink, error)
}

// For returns the resolver selected by the configuration.
func For(cfg *config.Config) (Resolver, error) {
	switch cfg.Resolver.Mode {
	case "chrome":
		return NewChromeResolver(cfg.Resolver), nil
	case "static":
		return NewStaticResolver(cfg.Resolver), nil
	default:
		return nil, fmt.Errorf("unknown resolver mode: %s", cfg.Resolver.Mode)
	}
}

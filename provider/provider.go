package provider

import (
	"context"
	"errors"
	"fmt"
)

// Hints carries optional descriptive metadata supplied by the caller. The
// search provider needs at least a title; every other provider ignores hints.
type Hints struct {
	Title  string
	Artist string
}

// Result is a successfully resolved stream. Codec and BitrateKbps are
// best-effort and may be zero-valued when the backend does not report them.
type Result struct {
	StreamURL   string
	Codec       string
	BitrateKbps int
}

// Provider turns a track identifier into a raw stream URL. Implementations
// must be side-effect free beyond the network call itself and must never
// touch cache state.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, trackID string, hints Hints) (*Result, error)
}

// ErrUnreachable marks network-level failures: timeouts, connection errors,
// 5xx responses. The cascade advances past them.
var ErrUnreachable = errors.New("provider unreachable")

// ErrRejected marks failures where the backend answered but declined to
// resolve: no match, restricted content, 4xx responses. Handled identically
// to ErrUnreachable by the cascade.
var ErrRejected = errors.New("provider rejected request")

// Unreachable wraps err as a network-level failure for the named provider.
func Unreachable(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, ErrUnreachable, err)
}

// Rejected reports that the named provider declined to resolve.
func Rejected(name string, reason string) error {
	return fmt.Errorf("%s: %w: %s", name, ErrRejected, reason)
}

package connector

import "github.com/pkg/errors"

// Kind is the error taxonomy of spec.md §4.C3 "Errors" / §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindResolveFailed
	KindNoRouteToHost
	KindConnectionRefused
	KindTLSHandshakeFailed
	KindUpstreamProxy
	KindCancelled
	KindTimeout
)

// Error wraps a Kind with the underlying cause so callers (SOCKS5
// REP mapping, HTTP 502/504 mapping) can switch on Kind without
// string-matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

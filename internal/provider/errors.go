package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// maxDetail caps the upstream detail exposed to callers.
const maxDetail = 500

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotConfigured   = errors.New("provider not configured")
)

// Error is a failed call to a text-generation provider: a non-success
// status, a timeout, or a transport failure.
type Error struct {
	Provider   string
	StatusCode int
	Detail     string
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: request timed out", e.Provider)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: API error %d: %s", e.Provider, e.StatusCode, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage is the text shown to the caller.
func (e *Error) SafeMessage() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s request timed out", e.Provider)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.StatusCode, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("%s error: %s", e.Provider, e.Detail)
	default:
		return fmt.Sprintf("%s request failed", e.Provider)
	}
}

func statusError(provider string, status int, body []byte) *Error {
	return &Error{Provider: provider, StatusCode: status, Detail: truncate(string(body), maxDetail)}
}

// transportError classifies a failure that happened before a status arrived.
func transportError(provider string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return &Error{Provider: provider, Timeout: isTimeout(err), Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	// avoid splitting a multi-byte rune
	cut := limit
	for cut > 0 && value[cut]&0xC0 == 0x80 {
		cut--
	}
	return value[:cut]
}

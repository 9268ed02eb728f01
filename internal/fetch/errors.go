package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrExhausted matches every ExhaustedError.
var ErrExhausted = errors.New("fetch retries exhausted")

// Failure kinds reported by TransientError.
const (
	KindRateLimited = "rate_limited"
	KindStatus      = "status"
	KindTransport   = "transport"
	KindMalformed   = "malformed"
)

// TransientError describes one failed attempt. The fetcher recovers from it
// locally by backing off or rotating proxies.
type TransientError struct {
	Kind       string
	StatusCode int
	Proxy      string
	Err        error
}

func (e *TransientError) Error() string {
	if e == nil {
		return "transient fetch error"
	}
	var b strings.Builder
	b.WriteString(e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " %d", e.StatusCode)
	}
	if e.Proxy != "" {
		fmt.Fprintf(&b, " via %s", e.Proxy)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RateLimited reports whether the upstream answered 429.
func (e *TransientError) RateLimited() bool {
	return e != nil && e.Kind == KindRateLimited
}

// ExhaustedError is returned when the attempt budget or the proxy pool ran
// out before a usable response arrived.
type ExhaustedError struct {
	URL      string
	Attempts int
	// Last is the final transient failure, if any attempt was made.
	Last error
	// Pool is set when the proxy pool itself ran out.
	Pool error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("fetching %s: exhausted after %d attempts", e.URL, e.Attempts)
	if e.Pool != nil {
		msg += ": " + e.Pool.Error()
	}
	if e.Last != nil {
		msg += ": last error: " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	out := []error{ErrExhausted}
	if e.Last != nil {
		out = append(out, e.Last)
	}
	if e.Pool != nil {
		out = append(out, e.Pool)
	}
	return out
}

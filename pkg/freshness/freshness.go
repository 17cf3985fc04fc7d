// Package freshness decides whether a cached entry may still be served
package freshness

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Expiration describes how long an entry stays fresh after it has been
// written. The zero value never expires.
type Expiration struct {
	d   time.Duration
	set bool
}

// Never returns an Expiration which keeps entries fresh forever
func Never() Expiration { return Expiration{} }

// After returns an Expiration of d. A zero duration marks every entry
// as stale.
func After(d time.Duration) Expiration { return Expiration{d: d, set: true} }

// Parse reads an Expiration from its configuration representation: an
// empty string means "never", everything else is a non-negative Go
// duration ("500ms", "2h", "0").
func Parse(s string) (Expiration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Never(), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return Expiration{}, errors.Wrap(err, "parse expiration")
	}

	if d < 0 {
		return Expiration{}, errors.Errorf("expiration must not be negative: %s", s)
	}

	return After(d), nil
}

// Duration returns the configured duration and whether one is set
func (e Expiration) Duration() (time.Duration, bool) { return e.d, e.set }

func (e Expiration) String() string {
	if !e.set {
		return "never"
	}
	return e.d.String()
}

// IsFresh reports whether an entry last written at lastWrite may be
// reused at now. Entries whose age equals the expiration are stale.
func IsFresh(lastWrite, now time.Time, exp Expiration) bool {
	if !exp.set {
		return true
	}

	return now.Sub(lastWrite) < exp.d
}

package mirror

import (
	"errors"
	"fmt"
	"time"
)

// RemoteKind classifies failures reported by the messaging client.
type RemoteKind string

// Remote failure classes.
const (
	// RemoteRateLimited means the remote asked us to wait; Cooldown carries
	// the requested pause.
	RemoteRateLimited RemoteKind = "rate_limited"
	// RemoteCapacityExceeded means the remote refused a join because too many
	// destinations are already occupied. The numeric cap is never observable
	// directly; it only manifests through this signal.
	RemoteCapacityExceeded RemoteKind = "capacity_exceeded"
	// RemoteOther covers every other remote failure.
	RemoteOther RemoteKind = "other"
)

// RemoteError is the tagged failure union surfaced by the messaging client.
type RemoteError struct {
	Kind     RemoteKind
	Cooldown time.Duration
	Err      error
}

func (e *RemoteError) Error() string {
	if e.Kind == RemoteRateLimited {
		return fmt.Sprintf("remote %s (cooldown %s): %v", e.Kind, e.Cooldown, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// RateLimited builds a rate-limit error carrying the remote-requested cooldown.
func RateLimited(cooldown time.Duration, err error) *RemoteError {
	return &RemoteError{Kind: RemoteRateLimited, Cooldown: cooldown, Err: err}
}

// CapacityExceeded builds a capacity error for a refused join.
func CapacityExceeded(err error) *RemoteError {
	return &RemoteError{Kind: RemoteCapacityExceeded, Err: err}
}

// AsRateLimited reports whether err carries a rate-limit signal and returns
// the cooldown the remote asked for.
func AsRateLimited(err error) (time.Duration, bool) {
	var re *RemoteError
	if errors.As(err, &re) && re.Kind == RemoteRateLimited {
		return re.Cooldown, true
	}
	return 0, false
}

// IsRemote reports whether err originated in the messaging collaborator.
// Remote failures abandon the current work item; anything else is fatal to
// the owning task.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsCapacityExceeded reports whether err carries a capacity-exceeded signal.
func IsCapacityExceeded(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == RemoteCapacityExceeded
}

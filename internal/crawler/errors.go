package crawler

import (
	"errors"
	"fmt"
)

// ErrInvalidURL is matched by every InputError.
var ErrInvalidURL = errors.New("invalid start url")

// InputError rejects a start URL before any network activity.
type InputError struct {
	URL    string
	Reason string
}

func (e *InputError) Error() string {
	if e.URL == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.URL)
}

// Is lets errors.Is(err, ErrInvalidURL) match.
func (e *InputError) Is(target error) bool {
	return target == ErrInvalidURL
}

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownStatus is returned when a persisted status code is not one of the
// known values.
var ErrUnknownStatus = errors.New("unknown progress status")

// Status is the progress state of a single key. It is persisted as an
// integer code so existing progress files stay readable.
type Status int

// Progress states and their on-disk codes.
const (
	Incomplete Status = 1
	Complete   Status = 2
	// Wontfix marks a key that will not be attempted again, e.g. a category
	// whose results exceed the API limit and were split into its children.
	Wontfix Status = 3
)

// Statuses lists every valid status in code order.
var Statuses = []Status{Incomplete, Complete, Wontfix}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Incomplete, Complete, Wontfix:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Complete:
		return "complete"
	case Wontfix:
		return "wontfix"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus converts a status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for _, s := range Statuses {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}

// MarshalJSON encodes the status as its integer code.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return json.Marshal(int(s))
}

// UnmarshalJSON decodes an integer code, rejecting unknown values.
func (s *Status) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	candidate := Status(code)
	if !candidate.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, code)
	}
	*s = candidate
	return nil
}

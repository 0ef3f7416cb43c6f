package citation

import "fmt"

// Status classifies a verified citation. Every citation has exactly one.
type Status uint8

const (
	// StatusHallucinated means the cited article does not exist or could not be resolved.
	StatusHallucinated Status = iota
	// StatusExistsButMisused means the article exists but does not support the claim.
	StatusExistsButMisused
	// StatusValid means the article exists and supports the claim.
	StatusValid
)

var statusNames = [...]string{
	StatusHallucinated:     "hallucinated",
	StatusExistsButMisused: "exists_but_misused",
	StatusValid:            "valid",
}

// AllStatuses lists every status.
var AllStatuses = []Status{StatusValid, StatusExistsButMisused, StatusHallucinated}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// ParseStatus converts a wire name into a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return StatusHallucinated, fmt.Errorf("unknown citation status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid citation status %d", uint8(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

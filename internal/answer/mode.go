package answer

import (
	"fmt"
	"strings"

	"github.com/askben/askben/internal/pkg/errors"
)

// Mode selects how an answer is produced.
type Mode uint8

const (
	// ModeAuto routes retrieval first and answers from the selected tiers.
	ModeAuto Mode = iota
	// ModeReasoning drafts first and attaches citations afterwards.
	ModeReasoning
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeReasoning:
		return "reasoning"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode accepts "auto", "reasoning" or the empty string (auto).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "reasoning":
		return ModeReasoning, nil
	}
	return ModeAuto, errors.ValidationError(fmt.Sprintf("mode must be \"auto\" or \"reasoning\", got %q", s)).
		WithDetail("field", "mode")
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

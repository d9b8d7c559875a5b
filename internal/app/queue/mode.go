package queue

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Mode is the repeat/shuffle mode of the queue.
type Mode int

const (
	ModeOff Mode = iota
	ModeRepeatAll
	ModeRepeatOne
	ModeShuffle
)

// modeCycle is the rotation order used by CycleMode.
var modeCycle = []Mode{ModeOff, ModeRepeatAll, ModeRepeatOne, ModeShuffle}

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeRepeatAll:
		return "repeat-all"
	case ModeRepeatOne:
		return "repeat-one"
	case ModeShuffle:
		return "shuffle"
	default:
		return "unknown"
	}
}

// Next returns the mode following m in the rotation.
func (m Mode) Next() Mode {
	for i, c := range modeCycle {
		if c == m {
			return modeCycle[(i+1)%len(modeCycle)]
		}
	}
	return ModeOff
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "":
		return ModeOff, nil
	case "repeat-all", "repeat", "all":
		return ModeRepeatAll, nil
	case "repeat-one", "one":
		return ModeRepeatOne, nil
	case "shuffle":
		return ModeShuffle, nil
	default:
		return ModeOff, errors.Newf("unknown queue mode %q", s)
	}
}

// ShuffleStrategy selects how shuffle mode picks the next entry.
type ShuffleStrategy string

const (
	// ShuffleTail reorders the upcoming entries once when shuffle is entered.
	ShuffleTail ShuffleStrategy = "tail"
	// ShufflePick keeps the upcoming order and picks a random upcoming entry on each advance.
	ShufflePick ShuffleStrategy = "pick"
)

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

package capture

import (
	"github.com/onsitelogistics/handheld/internal/logging"
)

// DefaultLineLength fits a code on one line of the 2.13" panel.
const DefaultLineLength = 24

// Screen is one frame of the three-line status display.
type Screen struct {
	A         string
	B         string
	Status    string
	ForceFull bool // full refresh instead of a partial update
}

// IdleScreen is shown at start-up.
func IdleScreen() Screen {
	return Screen{A: lineWaitA, B: lineWaitB, Status: StatusWait, ForceFull: true}
}

// Display renders screens on whatever output the device has.
type Display interface {
	Show(Screen) error
}

// FormatLine renders "PREFIX: CODE", truncating CODE with "..." beyond
// maxLen runes and appending " [OK]" when done.
func FormatLine(prefix, code string, done bool, maxLen int) string {
	const ellipsis = "..."
	text := []rune(code)
	if maxLen > len(ellipsis) && len(text) > maxLen {
		text = append(text[:maxLen-len(ellipsis)], []rune(ellipsis)...)
	}
	line := prefix + ": " + string(text)
	if done {
		line += " [OK]"
	}
	return line
}

// LogDisplay writes each screen to the logger. It stands in for the
// e-paper panel on development machines.
type LogDisplay struct {
	Logger *logging.Logger
}

func (d LogDisplay) Show(s Screen) error {
	logger := d.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger.WithFields(map[string]any{
		"line_a":     s.A,
		"line_b":     s.B,
		"status":     s.Status,
		"force_full": s.ForceFull,
	}).Info("display update")
	return nil
}

// Package capture turns raw scanner codes into completed A/B pairs: a part
// code (A) followed by a location code (B).
package capture

import (
	"strings"
	"time"
)

type State int

const (
	WaitA State = iota
	WaitB
)

func (s State) String() string {
	if s == WaitB {
		return "WAIT_B"
	}
	return "WAIT_A"
}

// Status lines shown on the device.
const (
	StatusWait      = "Status: WAIT"
	StatusReceivedA = "Status: A RECEIVED"
	StatusDone      = "Status: DONE"
	StatusCancelled = "Status: CANCELLED"
	StatusTimeout   = "Status: TIMEOUT→RESET"
	StatusOnlyB     = "Status: ONLY B → RESET"
)

const (
	lineWaitA = "A: WAIT"
	lineWaitB = "B: WAIT"
)

// DefaultCancelCodes reset a half-finished capture.
var DefaultCancelCodes = []string{"CANCEL", "RESET"}

// Completion is a finished A/B pair.
type Completion struct {
	A string
	B string
}

// Update is what the caller should show after a transition. Completed is
// set only when both codes were captured.
type Update struct {
	Screen    Screen
	Completed *Completion
}

type Options struct {
	IdleTimeout time.Duration // 0 disables the reset
	CancelCodes []string      // matched case-insensitively
}

// Workflow is the two-step capture state machine. It is not safe for
// concurrent use; the run loop owns it.
type Workflow struct {
	state      State
	codeA      string
	lastAction time.Time
	idle       time.Duration
	cancel     map[string]bool
}

func NewWorkflow(opts Options) *Workflow {
	codes := opts.CancelCodes
	if codes == nil {
		codes = DefaultCancelCodes
	}
	cancel := make(map[string]bool, len(codes))
	for _, c := range codes {
		cancel[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &Workflow{state: WaitA, idle: opts.IdleTimeout, cancel: cancel}
}

// State returns the current step.
func (w *Workflow) State() State { return w.state }

// PendingA returns the captured A code while waiting for B.
func (w *Workflow) PendingA() string { return w.codeA }

// Handle applies one scanned code. It reports false when the code was
// ignored.
func (w *Workflow) Handle(code string, now time.Time) (Update, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Update{}, false
	}
	w.lastAction = now

	if w.cancel[strings.ToUpper(code)] {
		w.reset()
		return Update{Screen: Screen{A: lineWaitA, B: lineWaitB, Status: StatusCancelled}}, true
	}

	if w.state == WaitA {
		w.codeA = stripPrefix(code, "A:")
		w.state = WaitB
		return Update{Screen: Screen{
			A:      FormatLine("A", w.codeA, true, DefaultLineLength),
			B:      lineWaitB,
			Status: StatusReceivedA,
		}}, true
	}

	codeB := stripPrefix(code, "B:")
	codeA := w.codeA
	w.reset()

	if codeA == "" {
		return Update{Screen: Screen{
			A:         lineWaitA,
			B:         FormatLine("B", codeB, false, DefaultLineLength),
			Status:    StatusOnlyB,
			ForceFull: true,
		}}, true
	}
	return Update{
		Screen: Screen{
			A:         FormatLine("A", codeA, true, DefaultLineLength),
			B:         FormatLine("B", codeB, true, DefaultLineLength),
			Status:    StatusDone,
			ForceFull: true,
		},
		Completed: &Completion{A: codeA, B: codeB},
	}, true
}

// Tick resets a capture that has waited for B longer than the idle timeout.
func (w *Workflow) Tick(now time.Time) (Update, bool) {
	if w.state == WaitA || w.idle <= 0 {
		return Update{}, false
	}
	if now.Sub(w.lastAction) <= w.idle {
		return Update{}, false
	}
	w.reset()
	return Update{Screen: Screen{A: lineWaitA, B: lineWaitB, Status: StatusTimeout, ForceFull: true}}, true
}

func (w *Workflow) reset() {
	w.state = WaitA
	w.codeA = ""
}

func stripPrefix(code, prefix string) string {
	if strings.HasPrefix(code, prefix) {
		return strings.TrimSpace(code[len(prefix):])
	}
	return code
}

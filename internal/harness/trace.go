package harness

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/resync/internal/eventlog"
)

// Trace line kinds.
const (
	LineStep   = "step"
	LineEvent  = "event"
	LineResult = "result"
)

// TraceLine is one deterministic line of a scenario trace.
type TraceLine struct {
	Step int    `json:"step"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Observation is a named value observed after a step.
type Observation struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step ran and met its expectations.
	Pass bool `json:"pass"`

	// Trace is the normalized step, event and result sequence compared
	// against golden files.
	Trace []TraceLine `json:"trace"`

	// Errors are expectation mismatches and step failures.
	Errors []string `json:"errors,omitempty"`

	// Events is the raw event log, timestamps included.
	Events []eventlog.Event `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceLine{}, Errors: []string{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep starts the trace section of step n.
func (r *Result) AddStep(n int, action string) {
	r.Trace = append(r.Trace, TraceLine{Step: n, Kind: LineStep, Text: action})
}

// AddEvent appends a normalized event line.
func (r *Result) AddEvent(n int, text string) {
	r.Trace = append(r.Trace, TraceLine{Step: n, Kind: LineEvent, Text: text})
}

// AddObservations appends the result line of step n.
func (r *Result) AddObservations(n int, obs []Observation) {
	parts := make([]string, len(obs))
	for i, o := range obs {
		parts[i] = o.Key + "=" + o.Value
	}
	r.Trace = append(r.Trace, TraceLine{Step: n, Kind: LineResult, Text: strings.Join(parts, " ")})
}

// Render formats the trace as text:
//
//	scenario: cold-then-warm
//	[1] connect
//	  INFO Logged in anonymous, syncing…
//	  => strategy=cold count=0
func (r *Result) Render(name string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for _, line := range r.Trace {
		switch line.Kind {
		case LineStep:
			fmt.Fprintf(&buf, "[%d] %s\n", line.Step, line.Text)
		case LineEvent:
			fmt.Fprintf(&buf, "  %s\n", line.Text)
		case LineResult:
			fmt.Fprintf(&buf, "  => %s\n", line.Text)
		}
	}
	return buf.Bytes()
}

// noisy are event prefixes whose timing relative to other events depends
// on the scheduler. They stay in Result.Events but not in the trace.
var noisy = []string{
	"Transferred ",
	"Transfer finished",
	"Initial load:",
	"Received ",
}

// normalize returns the trace text of ev, or false if ev is left out.
// Warnings and errors keep only their summary; details carry paths and
// tokens.
func normalize(ev eventlog.Event, root string) (string, bool) {
	for _, p := range noisy {
		if strings.HasPrefix(ev.Message, p) {
			return "", false
		}
	}
	msg := ev.Message
	if root != "" {
		msg = strings.ReplaceAll(msg, root, "$ROOT")
	}
	if ev.Level >= slog.LevelWarn {
		if i := strings.Index(msg, ": "); i >= 0 {
			msg = msg[:i]
		}
	}
	return ev.Level.String() + " " + msg, true
}

package orchestrator

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// Summary collects the outcomes of a run, in configuration order.
type Summary struct {
	RunID    string
	Outcomes []Outcome
}

// Failed returns the number of volumes that did not succeed.
func (s *Summary) Failed() int {
	n := 0
	for i := range s.Outcomes {
		if !s.Outcomes[i].Succeeded() {
			n++
		}
	}
	return n
}

// Err returns an error when any volume failed.
func (s *Summary) Err() error {
	if n := s.Failed(); n > 0 {
		return fmt.Errorf("%d of %d volumes failed", n, len(s.Outcomes))
	}
	return nil
}

var (
	okColor      = color.New(color.FgGreen, color.Bold)
	failColor    = color.New(color.FgRed, color.Bold)
	skippedColor = color.New(color.FgYellow)
)

// Print writes one line per volume to w.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "run %s\n", s.RunID)
	for i := range s.Outcomes {
		out := &s.Outcomes[i]
		switch out.Stage {
		case StageNone:
			okColor.Fprint(w, "ok     ")
			fmt.Fprintf(w, " %-16s %-12s %s\n", out.Volume, out.Kind, out.Duration.Round(time.Second))
		case StageSkipped:
			skippedColor.Fprint(w, "skip   ")
			fmt.Fprintf(w, " %-16s %-12s %v\n", out.Volume, out.Kind, out.Err)
		default:
			failColor.Fprint(w, "FAILED ")
			fmt.Fprintf(w, " %-16s %-12s %s: %v\n", out.Volume, out.Kind, out.Stage, out.Err)
		}
	}
	if n := s.Failed(); n > 0 {
		failColor.Fprintf(w, "%d of %d volumes failed\n", n, len(s.Outcomes))
	}
}

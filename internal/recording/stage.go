package recording

import (
	"github.com/rcarmo/go-rdp-mitm/internal/event"
	"github.com/rcarmo/go-rdp-mitm/internal/intercept"
)

// Stage writes every event to a handle and always passes.
type Stage struct {
	name      string
	handle    Handle
	mandatory bool
}

// NewStage returns a stage writing to h. When mandatory, a write failure ends
// the session.
func NewStage(name string, h Handle, mandatory bool) *Stage {
	return &Stage{name: name, handle: h, mandatory: mandatory}
}

func (s *Stage) Name() string { return s.name }

func (s *Stage) Mandatory() bool { return s.mandatory }

func (s *Stage) Handle(ev *event.Event) (intercept.Result, error) {
	return intercept.Result{Verdict: intercept.Pass}, s.handle.Write(ev)
}

// Close closes the underlying handle.
func (s *Stage) Close() error {
	return s.handle.Close()
}

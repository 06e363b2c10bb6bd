// Package intercept runs decoded session events through an ordered list of
// stages. Sinks are stages that always pass; transforms suppress or replace.
package intercept

import (
	"errors"
	"fmt"

	"github.com/rcarmo/go-rdp-mitm/internal/event"
)

// ErrSinkFailure marks a failure of a stage marked mandatory.
var ErrSinkFailure = errors.New("intercept: mandatory stage failed")

// Verdict is the decision of a stage on one event.
type Verdict uint8

const (
	Pass Verdict = iota
	Suppress
	Replace
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Suppress:
		return "suppress"
	case Replace:
		return "replace"
	default:
		return fmt.Sprintf("Verdict(%d)", uint8(v))
	}
}

// Result is the outcome of a stage. Event is set only for Replace.
type Result struct {
	Verdict Verdict
	Event   *event.Event
}

// Stage handles one event. Handle must not modify ev; a stage that changes an
// event returns a replacement.
type Stage interface {
	Name() string
	Handle(ev *event.Event) (Result, error)
}

// Mandatory is implemented by stages whose failure ends the session.
type Mandatory interface {
	Mandatory() bool
}

// Logger is the logging capability the pipeline needs.
type Logger interface {
	Warnf(format string, args ...interface{})
}

// StageError identifies the stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline applies stages in order.
type Pipeline struct {
	stages  []Stage
	log     Logger
	onError func(stage string)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets where non-fatal stage failures are reported.
func WithLogger(l Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithErrorHook is called with the stage name on every stage failure.
func WithErrorHook(fn func(stage string)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// New returns a pipeline over stages. Nil interface values are skipped.
func New(stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{}
	for _, s := range stages {
		if s != nil {
			p.stages = append(p.stages, s)
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	return len(p.stages)
}

// Run passes ev through the stages. The first Suppress or Replace ends the run.
// A failing stage counts as Pass unless it is mandatory, in which case Run
// returns an error wrapping ErrSinkFailure.
func (p *Pipeline) Run(ev *event.Event) (Result, error) {
	for _, s := range p.stages {
		res, err := handle(s, ev)
		if err != nil {
			if p.onError != nil {
				p.onError(s.Name())
			}

			if m, ok := s.(Mandatory); ok && m.Mandatory() {
				return Result{}, fmt.Errorf("%w: %w", ErrSinkFailure, &StageError{Stage: s.Name(), Err: err})
			}

			if p.log != nil {
				p.log.Warnf("stage %s failed on %s: %v", s.Name(), ev.Label(), err)
			}
			continue
		}

		switch res.Verdict {
		case Suppress:
			return Result{Verdict: Suppress}, nil
		case Replace:
			if res.Event == nil {
				return Result{}, &StageError{Stage: s.Name(), Err: errors.New("replace without event")}
			}
			return res, nil
		}
	}

	return Result{Verdict: Pass}, nil
}

func handle(s Stage, ev *event.Event) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Handle(ev)
}

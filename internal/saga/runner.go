package saga

import (
	"context"

	"github.com/rs/zerolog"
)

// Step is one forward action of a saga plus its compensation, run in the
// order appended and compensated in reverse on failure (spec.md §4.3/§4.4/
// §4.7/§4.8 each describe a forward sequence with a named rollback step).
type Step struct {
	Name        string
	Forward     func(ctx context.Context) error
	Compensate  func(ctx context.Context) error
}

// Runner executes a sequence of Steps, unwinding completed steps'
// Compensate functions in LIFO order if any Forward call fails.
type Runner struct {
	log   zerolog.Logger
	steps []Step
}

// NewRunner constructs a Runner that logs under the given name.
func NewRunner(log zerolog.Logger, name string) *Runner {
	return &Runner{log: log.With().Str("saga", name).Logger()}
}

// Add appends a step to the saga.
func (r *Runner) Add(step Step) {
	r.steps = append(r.steps, step)
}

// Run executes every step's Forward function in order. On the first
// failure, it compensates every step that already ran, in reverse, then
// returns the original forward error — compensation errors are logged but
// do not replace it, since the caller needs to know what actually failed.
func (r *Runner) Run(ctx context.Context) error {
	var completed []Step

	for _, step := range r.steps {
		if err := step.Forward(ctx); err != nil {
			r.log.Error().Err(err).Str("step", step.Name).Msg("saga step failed, compensating")
			r.compensate(ctx, completed)
			return err
		}
		completed = append(completed, step)
		r.log.Debug().Str("step", step.Name).Msg("saga step completed")
	}

	return nil
}

func (r *Runner) compensate(ctx context.Context, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			r.log.Error().Err(err).Str("step", step.Name).Msg("compensation failed")
		}
	}
}

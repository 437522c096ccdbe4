// Package lifecycle drives an entity through a decision table until it
// reaches a resting state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rgehrsitz/invested/internal/dtable"
	"rgehrsitz/invested/internal/telemetry"
)

// DefaultMaxIterations bounds a single Process call.
const DefaultMaxIterations = 50

// Disposition tells the processor whether to keep evaluating an entity.
type Disposition int

const (
	// Continue means the entity is still moving through the table.
	Continue Disposition = iota
	// Suspend means the entity waits on something outside the processor,
	// such as a broker decision or its split children.
	Suspend
	// Terminal means the entity reached a final status.
	Terminal
)

func (d Disposition) String() string {
	switch d {
	case Continue:
		return "continue"
	case Suspend:
		return "suspended"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Entity is what a processor can drive.
type Entity interface {
	Key() string
	Disposition() Disposition
}

// Refresher is implemented by entities whose view must be reloaded before
// each evaluation.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Outcome summarises a Process call.
type Outcome struct {
	Iterations  int
	Actions     []string
	Disposition Disposition
}

type options struct {
	fallback      string
	maxIterations int
	logger        *zerolog.Logger
	metrics       *telemetry.ProcessMetrics
}

// Option configures a Processor.
type Option func(*options)

// WithFallback names an action to run when no case matches. Without it an
// unmatched entity is a NoMatchError.
func WithFallback(action string) Option {
	return func(o *options) { o.fallback = action }
}

// WithMaxIterations overrides DefaultMaxIterations. Values below one are ignored.
func WithMaxIterations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithLogger sets the logger; the global zerolog logger is used otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithMetrics attaches prometheus instruments.
func WithMetrics(m *telemetry.ProcessMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// Processor runs the evaluate/execute loop for one table.
type Processor[E Entity] struct {
	eval     *dtable.Evaluator[E]
	fallback *dtable.Action[E]
	maxIter  int
	logger   zerolog.Logger
	metrics  *telemetry.ProcessMetrics
}

// New builds a processor over table. The fallback action, if any, must
// already be registered.
func New[E Entity](table *dtable.Table[E], opts ...Option) (*Processor[E], error) {
	if table == nil {
		return nil, errors.New("lifecycle: nil table")
	}
	o := options{maxIterations: DefaultMaxIterations}
	for _, opt := range opts {
		opt(&o)
	}
	p := &Processor[E]{
		eval:    dtable.NewEvaluator(table),
		maxIter: o.maxIterations,
		logger:  log.Logger,
		metrics: o.metrics,
	}
	if o.logger != nil {
		p.logger = *o.logger
	}
	if o.fallback != "" {
		a, ok := table.Action(o.fallback)
		if !ok {
			return nil, fmt.Errorf("%s: fallback %q: %w", table.Name(), o.fallback, dtable.ErrUnknownAction)
		}
		p.fallback = &a
	}
	return p, nil
}

// Table returns the table the processor evaluates.
func (p *Processor[E]) Table() *dtable.Table[E] {
	return p.eval.Table()
}

// Process evaluates entity and runs the matched actions, repeating until the
// entity is suspended or terminal. Actions run in order and the first error
// stops the run.
func (p *Processor[E]) Process(ctx context.Context, entity E) (out Outcome, err error) {
	table := p.eval.Table().Name()
	start := time.Now()

	ctx, span := telemetry.Tracer().Start(ctx, "lifecycle.Process", trace.WithAttributes(
		attribute.String("table", table),
		attribute.String("subject", entity.Key()),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("iterations", out.Iterations),
			attribute.String("disposition", out.Disposition.String()),
		)
		result := out.Disposition.String()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result = "error"
			p.logger.Error().Err(err).Str("table", table).Str("subject", entity.Key()).
				Int("iterations", out.Iterations).Msg("Lifecycle run failed")
		} else {
			p.logger.Info().Str("table", table).Str("subject", entity.Key()).
				Int("iterations", out.Iterations).Str("disposition", result).Msg("Lifecycle run finished")
		}
		p.metrics.ObserveRun(table, result, out.Iterations, time.Since(start))
		span.End()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if r, ok := any(entity).(Refresher); ok {
			if err := r.Refresh(ctx); err != nil {
				return out, fmt.Errorf("%s: refresh %s: %w", table, entity.Key(), err)
			}
		}
		out.Disposition = entity.Disposition()
		if out.Disposition != Continue {
			return out, nil
		}
		if out.Iterations >= p.maxIter {
			return out, &IterationLimitError{Table: table, Subject: entity.Key(), Limit: p.maxIter, Actions: out.Actions}
		}
		out.Iterations++

		res := p.eval.Evaluate(entity)
		actions := res.Actions
		if len(actions) == 0 {
			if p.fallback == nil {
				return out, &NoMatchError{Table: table, Subject: entity.Key(), Vector: res.Vector}
			}
			actions = []dtable.Action[E]{*p.fallback}
		}
		p.logger.Debug().
			Str("table", table).
			Str("subject", entity.Key()).
			Int("iteration", out.Iterations).
			Strs("cases", res.Cases).
			Str("vector", res.Vector.String()).
			Msg("Evaluated")

		for _, a := range actions {
			if err := a.Run(ctx, entity); err != nil {
				return out, &ActionError{Table: table, Subject: entity.Key(), Action: a.Name, Iteration: out.Iterations, Err: err}
			}
			out.Actions = append(out.Actions, a.Name)
			p.metrics.ObserveAction(table, a.Name)
		}
	}
}

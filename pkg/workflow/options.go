package workflow

import (
	"time"

	"github.com/dukex/autoflow/pkg/eventbus"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxParallelism   = 10
	DefaultMaxDepth         = 5
	DefaultExecutionTimeout = time.Hour
)

type Option func(*Runner)

// WithMaxParallelism caps concurrent steps inside one group. Workflow policies may lower it.
func WithMaxParallelism(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxParallelism = n
		}
	}
}

// WithExecutionTimeout sets the wall-clock cap used when a workflow has no policy timeout.
func WithExecutionTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.executionTimeout = d
		}
	}
}

// WithStepTimeout bounds every step. Zero leaves steps bounded only by the execution timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.stepTimeout = d
	}
}

// WithMaxDepth bounds sub-workflow nesting.
func WithMaxDepth(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithPublisher publishes lifecycle events when executions finish.
func WithPublisher(publisher eventbus.Publisher) Option {
	return func(r *Runner) {
		r.publisher = publisher
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

package delivery

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxAttempts     = 5
	DefaultBaseDelay       = 30 * time.Second
	DefaultMaxDelay        = time.Hour
	DefaultJitterFraction  = 0.2
	DefaultTimeout         = 10 * time.Second
	DefaultBatchSize       = 50
	DefaultConcurrency     = 8
	DefaultScanInterval    = 5 * time.Second
	DefaultMaxResponseBody = 4 << 10
)

type Option func(*Service)

func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if client != nil {
			s.client = client
		}
	}
}

// WithMaxAttempts sets the attempt budget stamped on new deliveries.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff configures the exponential retry schedule. A negative jitter is treated as zero.
func WithBackoff(base, maxDelay time.Duration, jitter float64) Option {
	return func(s *Service) {
		if base > 0 {
			s.baseDelay = base
		}

		if maxDelay > 0 {
			s.maxDelay = maxDelay
		}

		s.jitter = max(jitter, 0)
	}
}

// WithTimeout bounds each HTTP attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLease sets how long a claimed delivery stays invisible to other scanners. It defaults
// to the attempt timeout plus 30s.
func WithLease(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lease = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithScanInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.scanInterval = d
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

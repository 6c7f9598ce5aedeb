package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ajallooe/agentic-notebook-marker/internal/classify"
	"github.com/ajallooe/agentic-notebook-marker/internal/manifest"
)

// RetryConfig configures the exponential backoff used by the opt-in
// transient-failure retry pass. Quota windows clear on the scale of minutes,
// so the intervals here are much longer than typical RPC retry policies.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Second,
		MaxInterval:         2 * time.Minute,
		MaxElapsedTime:      10 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// breakerRegistry manages per-provider circuit breakers. When a provider's
// quota is exhausted, every retry against it will fail the same way; the
// breaker stops the retry pass from burning its whole backoff budget on a
// saturated provider.
type breakerRegistry struct {
	mu       sync.Mutex
	log      *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(log *zap.Logger) *breakerRegistry {
	return &breakerRegistry{
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the circuit breaker for the given provider, creating it on
// first use.
func (r *breakerRegistry) get(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}

	log := r.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("provider circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// User cancellation is not provider failure.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[provider] = cb
	return cb
}

// errUnitFailed marks a rerun whose trailer still records a non-zero exit.
var errUnitFailed = errors.New("unit failed")

// retryTransient reruns every transiently-failed unit sequentially with
// exponential backoff, then re-classifies the log directory. Only categories
// the classifier flags as transient (quota, network, timeout) are retried;
// everything else stays record-and-report. The reruns are sequential on
// purpose: a batch that hit quota limits gains nothing from retrying wide.
func (e *Engine) retryTransient(ctx context.Context, opts Options, report *classify.Report) (*classify.Report, error) {
	cfg := opts.Retry
	if cfg.MaxElapsedTime == 0 {
		cfg = DefaultRetryConfig()
	}
	breakers := newBreakerRegistry(e.log)
	units := report.TransientUnits()

	e.log.Info("retrying transient failures", zap.Ints("units", units))

	for _, id := range units {
		cmdline, err := manifest.CommandAt(opts.ManifestPath, id)
		if err != nil {
			return nil, err
		}
		cb := breakers.get(providerOf(cmdline))

		operation := func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}

			_, err := cb.Execute(func() (interface{}, error) {
				// No progress bump on reruns: the first pass already counted
				// this unit and the counter must finish at 100%.
				if runErr := runUnit(ctx, opts.ManifestPath, opts.LogDir, id, nil); runErr != nil {
					return nil, backoff.Permanent(runErr)
				}
				if r := readResult(opts.LogDir, id); r.ExitCode != 0 {
					return nil, fmt.Errorf("%w: unit %d exit %d", errUnitFailed, id, r.ExitCode)
				}
				return nil, nil
			})
			if err != nil {
				// Circuit open: the provider is saturated, stop retrying
				// this unit.
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					return backoff.Permanent(err)
				}
				if ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				return err
			}
			return nil
		}

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = cfg.InitialInterval
		policy.MaxInterval = cfg.MaxInterval
		policy.MaxElapsedTime = cfg.MaxElapsedTime
		policy.Multiplier = cfg.Multiplier
		policy.RandomizationFactor = cfg.RandomizationFactor

		if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.Warn("unit still failing after retries", zap.Int("unit", id), zap.Error(err))
		}
	}

	return classify.Scan(ctx, opts.LogDir)
}

// providerOf derives a circuit-breaker key from a command line: the basename
// of the first token, which for this pipeline is the assistant CLI being
// invoked (claude, gemini, codex) or the wrapper script in front of it.
func providerOf(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return "unknown"
	}
	name := fields[0]
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tenantbus/internal/runtime/config"
	errspkg "github.com/drblury/tenantbus/internal/runtime/errors"
	"github.com/drblury/tenantbus/internal/runtime/logging"
	"github.com/drblury/tenantbus/internal/runtime/metadata"
)

// RetryMiddlewareConfig customises the retry middleware.
type RetryMiddlewareConfig struct {
	// MaxRetries is the number of re-invocations after the first failure.
	// Zero uses the service configuration, a negative value disables retries.
	MaxRetries int
	// Interval is the backoff step: retry n waits n*Interval.
	Interval time.Duration
	// MaxInterval caps a single wait. Zero leaves it uncapped.
	MaxInterval time.Duration
	// RetryIf further restricts which errors are retried.
	RetryIf func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults(conf *config.Config) RetryMiddlewareConfig {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = conf.MaxRetries
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = conf.RetryInterval
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultRetryInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = conf.RetryMaxInterval
	}
	return cfg
}

// Delay returns the wait before retry n, starting at 1.
func (cfg RetryMiddlewareConfig) Delay(n int) time.Duration {
	d := time.Duration(n) * cfg.Interval
	if cfg.MaxInterval > 0 && d > cfg.MaxInterval {
		return cfg.MaxInterval
	}
	return d
}

func (cfg RetryMiddlewareConfig) retryable(err error) bool {
	if IsUnprocessable(err) || errors.Is(err, errspkg.ErrPermanent) {
		return false
	}
	return cfg.RetryIf == nil || cfg.RetryIf(err)
}

// retryMiddleware invokes the handler up to 1+MaxRetries times. A shutdown
// during a backoff wait abandons the delivery and marks it for requeue.
func (s *Service) retryMiddleware(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			queue := msg.Metadata.Get(metadata.Queue)
			for attempt := 1; ; attempt++ {
				msg.Metadata.Set(metadata.Attempt, strconv.Itoa(attempt))
				out, err := h(msg)
				if err == nil || !cfg.retryable(err) {
					return out, err
				}

				fields := logging.LogFields{
					"message_uuid":         msg.UUID,
					logging.FieldQueue:     queue,
					logging.FieldEventType: msg.Metadata.Get(metadata.EventType),
					logging.FieldAttempt:   attempt,
				}
				if attempt > cfg.MaxRetries {
					s.Logger.Error("Handler failed, retries exhausted", err, fields)
					return out, err
				}

				delay := cfg.Delay(attempt)
				fields["retry_in"] = delay.String()
				s.Logger.Error("Handler failed, retrying", err, fields)
				s.metrics.ObserveRetry(queue)
				if stats := s.statsFor(queue); stats != nil {
					stats.recordRetry()
				}

				if werr := s.waitRetry(msg.Context(), delay); werr != nil {
					msg.Metadata.Set(metadata.Requeue, "true")
					return nil, fmt.Errorf("retry abandoned: %w", errors.Join(werr, err))
				}
			}
		}
	}
}

// waitRetry sleeps for d unless the delivery context ends or the service
// starts shutting down.
func (s *Service) waitRetry(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.stopCtx, cancel)
	defer stop()
	return s.sleep(ctx, d)
}

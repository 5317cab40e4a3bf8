package pipedrive

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentworkforce/pipesync/internal/pipesync"
)

type BreakerSettings struct {
	Enabled          bool
	MinRequests      uint32
	FailureThreshold uint32
	HalfOpenMax      uint32
	Interval         time.Duration
	Timeout          time.Duration
}

type circuitBreaker interface {
	Execute(fn func() error) error
}

type noopBreaker struct{}

func (noopBreaker) Execute(fn func() error) error {
	return fn()
}

type gobreakerWrapper struct {
	cb *gobreaker.CircuitBreaker
}

func (g *gobreakerWrapper) Execute(fn func() error) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return pipesync.NewTransientRemoteError(err)
	}
	return err
}

func newBreaker(name string, cfg BreakerSettings, onChange func(name string, from, to gobreaker.State)) circuitBreaker {
	if !cfg.Enabled {
		return noopBreaker{}
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMax,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		// Client mistakes and missing records say nothing about the API's
		// availability.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, pipesync.ErrNotFound) || errors.Is(err, pipesync.ErrPermanentRemote)
		},
		OnStateChange: onChange,
	}
	return &gobreakerWrapper{cb: gobreaker.NewCircuitBreaker(settings)}
}

package tp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Default timing values, in milliseconds where the field is a counter value.
const (
	DefaultStateTimeout = 100
	DefaultSendTimeout  = 5000
	DefaultWaitTime     = 20 * time.Millisecond
	DefaultHoldoffDelay = 20 * time.Millisecond
)

// ErrorHandler receives faults that occur inside Tick, after Send has
// already returned: bus failures, sequence errors, state timeouts. Faults
// never escalate beyond aborting the transfer they belong to.
type ErrorHandler func(error)

// Params mirrors the configurable parameters of the engine.
type Params struct {
	// StateTimeout is the longest the machine may stay in any one non-idle
	// state, in milliseconds of the injected clock, before it is forced
	// back to idle.
	StateTimeout uint32
	// SendTimeout bounds how long Send spins waiting for an idle machine,
	// in milliseconds of the injected clock.
	SendTimeout uint32
	// WaitTime is the delay between consecutive frames of one transfer.
	// The engine paces against the clock; Tick never sleeps.
	WaitTime time.Duration
	// HoldoffDelay is how long the engine backs off after losing a
	// collision to a higher-priority sender.
	HoldoffDelay time.Duration
	// Clock is the monotonic millisecond source. Defaults to the runtime
	// monotonic clock.
	Clock Clock
	// ErrorHandler, if set, receives asynchronous transfer faults.
	ErrorHandler ErrorHandler
	// Logger receives engine diagnostics. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// NewParams returns the default parameter set.
func NewParams() Params {
	return Params{
		StateTimeout: DefaultStateTimeout,
		SendTimeout:  DefaultSendTimeout,
		WaitTime:     DefaultWaitTime,
		HoldoffDelay: DefaultHoldoffDelay,
		Clock:        NewMonotonicClock(),
		Logger:       zerolog.Nop(),
	}
}

// Validate checks the parameter set for values the engine cannot run with.
func (p *Params) Validate() error {
	if p.StateTimeout == 0 {
		return fmt.Errorf("state_timeout must be greater than 0")
	}
	if p.SendTimeout == 0 {
		return fmt.Errorf("send_timeout must be greater than 0")
	}
	if p.WaitTime < 0 {
		return fmt.Errorf("wait_time must not be negative")
	}
	if p.HoldoffDelay < 0 {
		return fmt.Errorf("holdoff_delay must not be negative")
	}
	if p.Clock == nil {
		return fmt.Errorf("clock must be provided")
	}
	return nil
}

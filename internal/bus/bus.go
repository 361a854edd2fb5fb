// Package bus provides the hardware channel the protocol engine talks
// through: a serial transceiver backend for real DALI buses and a simulated
// backend with a virtual device population for development and tests. Both
// present the same frame-exchange contract.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dali-go-bridge/internal/dali"
)

// ErrChannelIO is a transport-level failure. It is fatal to the in-flight
// operation; callers do not retry it.
var ErrChannelIO = errors.New("bus: channel i/o error")

// ErrUnknownBus is returned for a bus number the channel does not carry.
var ErrUnknownBus = errors.New("bus: no such bus")

// Timing defaults shared by the channel implementations.
const (
	// DefaultReplyWindow bounds the wait for a backward frame. Past it the
	// exchange result is "no response".
	DefaultReplyWindow = 100 * time.Millisecond
	// DefaultSettleTime is the quiet period required on the line before the
	// next forward frame may be issued.
	DefaultSettleTime = 10 * time.Millisecond
)

// Status is the electrical state of one bus as reported by the hardware.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusActive
	StatusNoPower
	StatusOverloaded
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusNoPower:
		return "no_power"
	case StatusOverloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

// Channel is the frame-exchange contract the protocol engine is written
// against. Implementations serialize their own port access; the caller is
// responsible for not interleaving exchanges on the same bus.
type Channel interface {
	// Transmit sends one forward frame (twice, when the frame demands it)
	// and waits out the bounded reply window. A quiet window yields a
	// no-response result, not an error.
	Transmit(ctx context.Context, bus int, f dali.Frame) (dali.Response, error)

	// Status reports the electrical state of the bus.
	Status(ctx context.Context, bus int) (Status, error)

	// Buses returns the number of buses this channel carries.
	Buses() int

	Close() error
}

func checkBus(bus, count int) error {
	if bus < 0 || bus >= count {
		return fmt.Errorf("%w: %d (have %d)", ErrUnknownBus, bus, count)
	}
	return nil
}

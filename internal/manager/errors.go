package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownLight is returned when a short address is not in the bus
	// configuration.
	ErrUnknownLight = errors.New("manager: unknown light")

	// ErrUnknownGroup is returned when a group number is not in the bus
	// configuration.
	ErrUnknownGroup = errors.New("manager: unknown group")

	// ErrGroupExists is returned when creating a group that already exists.
	ErrGroupExists = errors.New("manager: group already exists")

	// ErrNoResponse is returned when an addressed query stays unanswered
	// past the retry budget.
	ErrNoResponse = errors.New("manager: device not responding")

	// ErrCommandRejected is returned when a device answers a verification
	// step with something other than confirmation.
	ErrCommandRejected = errors.New("manager: command not confirmed by device")

	// ErrAddressSpaceFull is returned when all 64 short addresses on a bus
	// are taken.
	ErrAddressSpaceFull = errors.New("manager: no free short address")

	// ErrBusy is returned when an operation needs a bus that is mid-discovery.
	ErrBusy = errors.New("manager: bus busy")
)

// PartialDiscoveryError reports a discovery run that programmed some lights
// before failing. Found holds the short addresses that were committed.
type PartialDiscoveryError struct {
	Found []uint8
	Err   error
}

func (e *PartialDiscoveryError) Error() string {
	return fmt.Sprintf("discovery aborted after %d lights: %v", len(e.Found), e.Err)
}

func (e *PartialDiscoveryError) Unwrap() error { return e.Err }

package bus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"dali-go-bridge/internal/dali"
)

// SimDeviceSpec describes one virtual control gear at construction time.
type SimDeviceSpec struct {
	ID           string
	ShortAddress uint8 // UnaddressedShortAddress for factory-fresh gear
	Brightness   uint8
	Groups       []uint8
}

// simDevice is one virtual control gear. It holds the commissioning state
// machine a real device carries: random and search address registers, the
// initialising and withdrawn flags, and DTR0.
type simDevice struct {
	id           string
	shortAddress uint8
	brightness   uint8
	groupMask    uint16
	dtr0         uint8

	randomAddress uint32
	searchAddress uint32
	initialising  bool
	withdrawn     bool

	// test hooks
	dropReplies  int
	dropAfter    int
	forcedRandom *uint32
}

type simBus struct {
	devices  []*simDevice
	status   Status
	compares int
}

// SimChannel is an in-memory Channel backed by a population of virtual
// devices. It runs the same frame traffic a real bus would see, which makes
// it the test bed for the commissioning search and a development mode that
// needs no hardware.
type SimChannel struct {
	mu     sync.Mutex
	buses  []*simBus
	rng    *rand.Rand
	delay  time.Duration
	logger *slog.Logger
}

// NewSim builds a simulated channel with the given number of buses, all
// powered and empty. Devices are added with AddDevice.
func NewSim(logger *slog.Logger, buses int) *SimChannel {
	c := &SimChannel{
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: logger.With("component", "sim"),
	}
	for i := 0; i < buses; i++ {
		c.buses = append(c.buses, &simBus{status: StatusActive})
	}
	return c
}

// Seed re-seeds the random source so device random addresses are
// reproducible.
func (c *SimChannel) Seed(seed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rng = rand.New(rand.NewPCG(seed, seed))
}

// SetDelay makes every exchange take wall-clock time, for exercising
// cancellation paths.
func (c *SimChannel) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// AddDevice attaches a virtual device to a bus.
func (c *SimChannel) AddDevice(bus int, spec SimDeviceSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkBus(bus, len(c.buses)); err != nil {
		return err
	}
	d := &simDevice{
		id:           spec.ID,
		shortAddress: spec.ShortAddress,
		brightness:   spec.Brightness,
	}
	for _, g := range spec.Groups {
		if g > dali.MaxGroup {
			return fmt.Errorf("%w: %d", dali.ErrInvalidGroup, g)
		}
		d.groupMask |= 1 << g
	}
	c.buses[bus].devices = append(c.buses[bus].devices, d)
	return nil
}

func (c *SimChannel) Buses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buses)
}

func (c *SimChannel) Close() error { return nil }

func (c *SimChannel) Status(ctx context.Context, bus int) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusUnknown, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkBus(bus, len(c.buses)); err != nil {
		return StatusUnknown, err
	}
	return c.buses[bus].status, nil
}

// SetBusStatus forces the reported electrical state of a bus.
func (c *SimChannel) SetBusStatus(bus int, s Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkBus(bus, len(c.buses)); err != nil {
		return err
	}
	c.buses[bus].status = s
	return nil
}

func (c *SimChannel) Transmit(ctx context.Context, bus int, f dali.Frame) (dali.Response, error) {
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return dali.NoResponse(), ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return dali.NoResponse(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkBus(bus, len(c.buses)); err != nil {
		return dali.NoResponse(), err
	}
	b := c.buses[bus]
	if b.status != StatusActive {
		return dali.NoResponse(), nil // dead bus: frames go nowhere
	}

	op, err := dali.DecodeForward(f.B1, f.B2)
	if err != nil {
		return dali.NoResponse(), err
	}
	if op.Kind == dali.OpSpecial && op.Opcode == dali.SpecialCompare {
		b.compares++
	}

	var replies []uint8
	for _, d := range b.devices {
		v, answered := c.process(d, op)
		if !answered {
			continue
		}
		if d.dropAfter > 0 {
			d.dropAfter--
		} else if d.dropReplies > 0 {
			d.dropReplies--
			continue
		}
		replies = append(replies, v)
	}

	switch len(replies) {
	case 0:
		return dali.NoResponse(), nil
	case 1:
		return dali.ValueResponse(replies[0]), nil
	default:
		return dali.CollisionResponse(), nil
	}
}

// process applies one decoded operation to one device, returning a reply
// byte when the device answers.
func (c *SimChannel) process(d *simDevice, op dali.Op) (uint8, bool) {
	switch op.Kind {
	case dali.OpSpecial:
		return c.processSpecial(d, op.Opcode, op.Data)
	case dali.OpDirectArc:
		if d.matches(op.Target) {
			d.brightness = op.Data
		}
		return 0, false
	case dali.OpCommand:
		if !d.matches(op.Target) {
			return 0, false
		}
		return d.processCommand(op.Opcode)
	}
	return 0, false
}

func (c *SimChannel) processSpecial(d *simDevice, cmd, param uint8) (uint8, bool) {
	switch cmd {
	case dali.SpecialTerminate:
		d.initialising = false
		d.withdrawn = false
	case dali.SpecialDTR0:
		d.dtr0 = param
	case dali.SpecialInitialise:
		if param == 0x00 ||
			(param == 0xFF && d.shortAddress == dali.UnaddressedShortAddress) ||
			(param&0x01 == 1 && param>>1 == d.shortAddress) {
			d.initialising = true
			d.withdrawn = false
		}
	case dali.SpecialRandomise:
		if d.initialising {
			if d.forcedRandom != nil {
				d.randomAddress = *d.forcedRandom
			} else {
				d.randomAddress = c.rng.Uint32N(dali.SearchSpaceSize)
			}
		}
	case dali.SpecialCompare:
		if d.initialising && !d.withdrawn && d.randomAddress <= d.searchAddress {
			return 0xFF, true
		}
	case dali.SpecialWithdraw:
		if d.initialising && d.randomAddress == d.searchAddress {
			d.withdrawn = true
		}
	case dali.SpecialSearchAddrH:
		if d.initialising {
			d.searchAddress = d.searchAddress&0x00FFFF | uint32(param)<<16
		}
	case dali.SpecialSearchAddrM:
		if d.initialising {
			d.searchAddress = d.searchAddress&0xFF00FF | uint32(param)<<8
		}
	case dali.SpecialSearchAddrL:
		if d.initialising {
			d.searchAddress = d.searchAddress&0xFFFF00 | uint32(param)
		}
	case dali.SpecialProgramShortAddress:
		if d.initialising && d.randomAddress == d.searchAddress {
			if param == 0xFF {
				d.shortAddress = dali.UnaddressedShortAddress
			} else if param&0x01 == 1 {
				d.shortAddress = param >> 1
			}
		}
	case dali.SpecialVerifyShortAddress:
		if d.initialising && param&0x01 == 1 && d.shortAddress == param>>1 {
			return 0xFF, true
		}
	case dali.SpecialQueryShortAddress:
		if d.initialising && d.randomAddress == d.searchAddress {
			if d.shortAddress == dali.UnaddressedShortAddress {
				return 0xFF, true
			}
			return d.shortAddress<<1 | 1, true
		}
	}
	return 0, false
}

func (d *simDevice) processCommand(opcode uint8) (uint8, bool) {
	switch {
	case opcode == dali.CmdOff:
		d.brightness = 0
	case opcode == dali.CmdUp:
		if d.brightness < dali.MaxLevel {
			d.brightness++
		}
	case opcode == dali.CmdDown:
		if d.brightness > 0 {
			d.brightness--
		}
	case opcode == dali.CmdRecallMaxLevel:
		d.brightness = dali.MaxLevel
	case opcode == dali.CmdRecallMinLevel:
		d.brightness = 1
	case opcode == dali.CmdReset:
		d.brightness = dali.MaxLevel
		d.groupMask = 0
	case opcode >= dali.CmdAddToGroup0 && opcode < dali.CmdAddToGroup0+16:
		d.groupMask |= 1 << (opcode - dali.CmdAddToGroup0)
	case opcode >= dali.CmdRemoveFromGroup0 && opcode < dali.CmdRemoveFromGroup0+16:
		d.groupMask &^= 1 << (opcode - dali.CmdRemoveFromGroup0)
	case opcode == dali.CmdSetShortAddress:
		if d.dtr0 == 0xFF {
			d.shortAddress = dali.UnaddressedShortAddress
		} else if d.dtr0&0x01 == 1 {
			d.shortAddress = d.dtr0 >> 1
		}
	case opcode == dali.CmdQueryStatus:
		var v uint8
		if d.brightness > 0 {
			v |= 0x04 // lamp on
		}
		if d.shortAddress == dali.UnaddressedShortAddress {
			v |= 0x40 // missing short address
		}
		return v, true
	case opcode == dali.CmdQueryControlGear:
		return 0xFF, true
	case opcode == dali.CmdQueryActualLevel:
		return d.brightness, true
	case opcode == dali.CmdQueryGroups0To7:
		return uint8(d.groupMask), true
	case opcode == dali.CmdQueryGroups8To15:
		return uint8(d.groupMask >> 8), true
	}
	return 0, false
}

func (d *simDevice) matches(t dali.Target) bool {
	switch t.Kind {
	case dali.TargetBroadcast:
		return true
	case dali.TargetShort:
		return d.shortAddress == t.Addr
	case dali.TargetGroup:
		return d.groupMask&(1<<t.Addr) != 0
	}
	return false
}

// SimDeviceState is a read-only snapshot of one virtual device.
type SimDeviceState struct {
	ID            string
	ShortAddress  uint8
	Brightness    uint8
	GroupMask     uint16
	RandomAddress uint32
	Initialising  bool
	Withdrawn     bool
}

// Devices snapshots the device population of a bus.
func (c *SimChannel) Devices(bus int) ([]SimDeviceState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkBus(bus, len(c.buses)); err != nil {
		return nil, err
	}
	var out []SimDeviceState
	for _, d := range c.buses[bus].devices {
		out = append(out, SimDeviceState{
			ID:            d.id,
			ShortAddress:  d.shortAddress,
			Brightness:    d.brightness,
			GroupMask:     d.groupMask,
			RandomAddress: d.randomAddress,
			Initialising:  d.initialising,
			Withdrawn:     d.withdrawn,
		})
	}
	return out, nil
}

// Compares returns how many COMPARE frames the bus has seen, a proxy for
// search cost.
func (c *SimChannel) Compares(bus int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkBus(bus, len(c.buses)); err != nil {
		return 0, err
	}
	return c.buses[bus].compares, nil
}

// DropReplies makes the named device swallow its next n replies, simulating
// a flaky answer path.
func (c *SimChannel) DropReplies(bus int, id string, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.device(bus, id)
	if err != nil {
		return err
	}
	d.dropAfter = 0
	d.dropReplies = n
	return nil
}

// DropRepliesAfter lets the named device answer its next after replies, then
// swallows the n following ones. It targets faults at a specific phase of an
// exchange sequence.
func (c *SimChannel) DropRepliesAfter(bus int, id string, after, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.device(bus, id)
	if err != nil {
		return err
	}
	d.dropAfter = after
	d.dropReplies = n
	return nil
}

// ForceRandomAddress pins the 24-bit address the named device picks on the
// next RANDOMISE. Pinning the same value on two devices reproduces a
// persistent compare collision.
func (c *SimChannel) ForceRandomAddress(bus int, id string, addr uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, err := c.device(bus, id)
	if err != nil {
		return err
	}
	v := addr % dali.SearchSpaceSize
	d.forcedRandom = &v
	return nil
}

func (c *SimChannel) device(bus int, id string) (*simDevice, error) {
	if err := checkBus(bus, len(c.buses)); err != nil {
		return nil, err
	}
	for _, d := range c.buses[bus].devices {
		if d.id == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no device %q on bus %d", ErrUnknownBus, id, bus)
}

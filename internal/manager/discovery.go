package manager

import (
	"context"
	"fmt"
	"time"

	"dali-go-bridge/internal/bus"
	"dali-go-bridge/internal/dali"
	"dali-go-bridge/internal/store"
)

// compareRetries is how many silent COMPARE windows are tolerated before a
// "no" is trusted. A single dropped YES would otherwise send the search
// down the wrong half of the address space.
const compareRetries = 2

// LightFoundEvent is the payload of EventLightFound.
type LightFoundEvent struct {
	Bus     int   `json:"bus"`
	Address uint8 `json:"address"`
}

// DiscoveryFinishedEvent is the payload of EventDiscoveryFinished.
type DiscoveryFinishedEvent struct {
	Bus   int     `json:"bus"`
	Found []uint8 `json:"found"`
	Error string  `json:"error,omitempty"`
}

// FindAllLights re-commissions the whole bus: every device, addressed or
// not, gets a fresh short address starting from zero. Existing light
// entries and group memberships are replaced by what the search finds.
func (m *Manager) FindAllLights(ctx context.Context, busNum int) ([]uint8, error) {
	return m.discover(ctx, busNum, dali.InitialiseAll(), false)
}

// FindNewLights commissions only devices that hold no short address,
// allocating around the addresses already in use. Existing lights keep
// their addresses and configuration.
func (m *Manager) FindNewLights(ctx context.Context, busNum int) ([]uint8, error) {
	return m.discover(ctx, busNum, dali.InitialiseUnaddressed(), true)
}

// discover runs one commissioning session. With keepExisting the session
// only initialises unaddressed devices and allocates around the addresses
// already commissioned; otherwise the whole bus is rebuilt from scratch.
func (m *Manager) discover(ctx context.Context, busNum int, scope dali.InitialiseScope, keepExisting bool) ([]uint8, error) {
	if busNum < 0 || busNum >= m.Buses() {
		return nil, fmt.Errorf("%w: %d", bus.ErrUnknownBus, busNum)
	}
	if !m.discovering[busNum].CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: discovery already running on bus %d", ErrBusy, busNum)
	}
	defer m.discovering[busNum].Store(false)

	m.locks[busNum].Lock()
	defer m.locks[busNum].Unlock()

	used := make(map[uint8]bool)
	if keepExisting {
		cfg, err := m.store.GetBus(busNum)
		if err != nil {
			return nil, err
		}
		for _, l := range cfg.Channels {
			used[l.Channel] = true
		}
	}

	m.events.Emit(Event{Type: EventDiscoveryStarted, Data: map[string]interface{}{"bus": busNum}})
	d := &session{m: m, bus: busNum, cached: [3]int{-1, -1, -1}, used: used}

	found, err := d.run(ctx, scope)

	// Leave no device stuck in initialisation mode, even on a cancelled
	// session.
	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	if _, terr := m.channel.Transmit(termCtx, busNum, dali.Terminate()); terr != nil {
		m.logger.Warn("terminate after discovery failed", "bus", busNum, "err", terr)
	}
	cancel()

	if perr := m.persistDiscovery(busNum, found, keepExisting); perr != nil && err == nil {
		err = perr
	}

	ev := DiscoveryFinishedEvent{Bus: busNum, Found: found}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events.Emit(Event{Type: EventDiscoveryFinished, Data: ev})
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})

	if err != nil {
		return found, &PartialDiscoveryError{Found: found, Err: err}
	}
	m.logger.Info("discovery complete", "bus", busNum, "found", len(found))
	return found, nil
}

// persistDiscovery commits whatever the session programmed, partial runs
// included: those devices hold their new addresses regardless of how the
// session ended.
func (m *Manager) persistDiscovery(busNum int, found []uint8, keepExisting bool) error {
	return m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		if !keepExisting {
			cfg.Channels = nil
			for i := range cfg.Groups {
				cfg.Groups[i].Members = nil
			}
		}
		for _, addr := range found {
			if cfg.FindChannel(addr) != nil {
				continue
			}
			cfg.Channels = append(cfg.Channels, store.Light{
				Channel:     addr,
				Description: fmt.Sprintf("Light %d", addr),
			})
		}
		return nil
	})
}

// session is one commissioning pass: search bounds state, the short
// addresses taken so far, and the cached search address bytes that let
// each move re-send only the bytes that changed. It works as a lazy
// cursor: every Scan call acquires at most one device. A session is not
// restartable; a new pass re-issues INITIALISE.
type session struct {
	m      *Manager
	bus    int
	cached [3]int
	used   map[uint8]bool
}

func (d *session) run(ctx context.Context, scope dali.InitialiseScope) ([]uint8, error) {
	var found []uint8

	if _, err := d.m.channel.Transmit(ctx, d.bus, dali.Initialise(scope)); err != nil {
		return found, err
	}
	if _, err := d.m.channel.Transmit(ctx, d.bus, dali.Randomise()); err != nil {
		return found, err
	}

	for {
		addr, ok, err := d.Scan(ctx)
		if err != nil {
			return found, err
		}
		if !ok {
			return found, nil
		}
		found = append(found, addr)
		d.m.events.Emit(Event{Type: EventLightFound, Data: LightFoundEvent{Bus: d.bus, Address: addr}})
	}
}

// Scan runs one device-acquisition sub-loop: a full-range compare to see
// whether anything is left, the binary search down to a single random
// address, then program+verify+withdraw. It returns the newly assigned
// short address, or ok=false when the bus has no un-withdrawn devices
// left in the initialise scope.
func (d *session) Scan(ctx context.Context) (uint8, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	any, err := d.compareAt(ctx, dali.SearchSpaceSize-1)
	if err != nil {
		return 0, false, err
	}
	if !any {
		return 0, false, nil
	}

	random, err := d.locate(ctx)
	if err != nil {
		return 0, false, err
	}

	addr, ok := nextFree(d.used)
	if !ok {
		return 0, false, ErrAddressSpaceFull
	}
	if err := d.program(ctx, addr); err != nil {
		return 0, false, fmt.Errorf("program address %d (random %06X): %w", addr, random, err)
	}
	d.used[addr] = true
	d.m.logger.Info("light commissioned", "bus", d.bus, "address", addr, "random", fmt.Sprintf("%06X", random))
	return addr, true, nil
}

// locate binary-searches the 24-bit space for the lowest random address
// still answering.
func (d *session) locate(ctx context.Context) (uint32, error) {
	low, high := uint32(0), dali.SearchSpaceSize-1
	for low < high {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mid := low + (high-low)/2
		ok, err := d.compareAt(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ok {
			high = mid
		} else {
			low = mid + 1
		}
	}
	if err := d.setSearch(ctx, low); err != nil {
		return 0, err
	}
	return low, nil
}

// program assigns the short address to the device sitting on the current
// search address, verifies it took, and withdraws the device from further
// compares. A verify collision still counts: devices that picked the same
// random address are programmed together and answer together.
func (d *session) program(ctx context.Context, addr uint8) error {
	pf, err := dali.ProgramShortAddress(addr)
	if err != nil {
		return err
	}
	if _, err := d.m.channel.Transmit(ctx, d.bus, pf); err != nil {
		return err
	}

	vf, err := dali.VerifyShortAddress(addr)
	if err != nil {
		return err
	}
	verified := false
	for attempt := 0; attempt < compareRetries; attempt++ {
		resp, err := d.m.channel.Transmit(ctx, d.bus, vf)
		if err != nil {
			return err
		}
		if resp.Answered() {
			verified = true
			break
		}
	}
	if !verified {
		return fmt.Errorf("%w: short address %d not verified", ErrCommandRejected, addr)
	}

	_, err = d.m.channel.Transmit(ctx, d.bus, dali.Withdraw())
	return err
}

// compareAt moves the search address and issues COMPARE. A collision is an
// answer: it proves at least one device sits at or below the search point.
func (d *session) compareAt(ctx context.Context, searchAddr uint32) (bool, error) {
	if err := d.setSearch(ctx, searchAddr); err != nil {
		return false, err
	}
	for attempt := 0; attempt < compareRetries; attempt++ {
		resp, err := d.m.channel.Transmit(ctx, d.bus, dali.Compare())
		if err != nil {
			return false, err
		}
		if resp.Answered() {
			return true, nil
		}
	}
	return false, nil
}

// setSearch re-sends only the search address bytes that differ from what
// the devices already hold.
func (d *session) setSearch(ctx context.Context, addr uint32) error {
	frames := dali.SearchAddress(addr)
	bytes := [3]int{int(uint8(addr >> 16)), int(uint8(addr >> 8)), int(uint8(addr))}
	for i, f := range frames {
		if d.cached[i] == bytes[i] {
			continue
		}
		if _, err := d.m.channel.Transmit(ctx, d.bus, f); err != nil {
			return err
		}
		d.cached[i] = bytes[i]
	}
	return nil
}

// nextFree returns the lowest unassigned short address.
func nextFree(used map[uint8]bool) (uint8, bool) {
	for addr := uint8(0); addr <= dali.MaxShortAddress; addr++ {
		if !used[addr] {
			return addr, true
		}
	}
	return 0, false
}

// Package manager drives the DALI buses: it owns every frame exchange,
// keeps the persisted bus configuration in step with what the hardware was
// told, and publishes events for the outer surfaces.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"dali-go-bridge/internal/bus"
	"dali-go-bridge/internal/dali"
	"dali-go-bridge/internal/store"
)

// queryRetries is how many times an unanswered query is re-sent before the
// device is declared missing.
const queryRetries = 2

// Manager orchestrates frame traffic and configuration for all buses on
// one channel.
type Manager struct {
	channel bus.Channel
	store   store.Store
	events  *EventBus
	logger  *slog.Logger

	locks       []sync.Mutex  // one per bus, serializes wire access
	discovering []atomic.Bool // set while a discovery session owns the bus
	statuses    []atomic.Int32
}

// New creates a manager for every bus the channel carries.
func New(ch bus.Channel, st store.Store, events *EventBus, logger *slog.Logger) *Manager {
	n := ch.Buses()
	return &Manager{
		channel:     ch,
		store:       st,
		events:      events,
		logger:      logger.With("component", "manager"),
		locks:       make([]sync.Mutex, n),
		discovering: make([]atomic.Bool, n),
		statuses:    make([]atomic.Int32, n),
	}
}

// Buses returns the number of buses under management.
func (m *Manager) Buses() int { return m.channel.Buses() }

// Events returns the event bus.
func (m *Manager) Events() *EventBus { return m.events }

// Store returns the store.
func (m *Manager) Store() store.Store { return m.store }

// Start seeds missing bus configurations and takes an initial status
// reading of every bus.
func (m *Manager) Start(ctx context.Context) error {
	for i := 0; i < m.Buses(); i++ {
		_, err := m.store.GetBus(i)
		if errors.Is(err, store.ErrNotFound) {
			err = m.store.SaveBus(&store.BusConfig{
				Bus:         i,
				Description: fmt.Sprintf("Bus %d", i),
				Channels:    []store.Light{},
				Groups:      []store.Group{},
			})
		}
		if err != nil {
			return fmt.Errorf("seed bus %d: %w", i, err)
		}

		st, err := m.BusStatus(ctx, i)
		if err != nil {
			m.logger.Warn("initial bus status failed", "bus", i, "err", err)
			continue
		}
		m.logger.Info("bus ready", "bus", i, "status", st.String())
	}
	return nil
}

// acquire takes the wire lock for a bus, rejecting the call outright while
// a discovery session holds the bus.
func (m *Manager) acquire(busNum int) (func(), error) {
	if busNum < 0 || busNum >= m.Buses() {
		return nil, fmt.Errorf("%w: %d", bus.ErrUnknownBus, busNum)
	}
	if m.discovering[busNum].Load() {
		return nil, fmt.Errorf("%w: discovery in progress on bus %d", ErrBusy, busNum)
	}
	m.locks[busNum].Lock()
	return m.locks[busNum].Unlock, nil
}

// query sends an expect-reply frame, retrying a silent window before giving
// up on the device.
func (m *Manager) query(ctx context.Context, busNum int, f dali.Frame) (uint8, error) {
	for attempt := 0; attempt < queryRetries; attempt++ {
		resp, err := m.channel.Transmit(ctx, busNum, f)
		if err != nil {
			return 0, err
		}
		switch resp.Kind {
		case dali.ResponseValue:
			return resp.Value, nil
		case dali.ResponseCollision:
			return 0, fmt.Errorf("%w: reply collision on bus %d", ErrCommandRejected, busNum)
		}
	}
	return 0, fmt.Errorf("%w: bus %d frame %s", ErrNoResponse, busNum, f)
}

// getLight loads the bus config and checks the light is commissioned.
func (m *Manager) getLight(busNum int, addr uint8) (*store.BusConfig, error) {
	cfg, err := m.store.GetBus(busNum)
	if err != nil {
		return nil, err
	}
	if cfg.FindChannel(addr) == nil {
		return nil, fmt.Errorf("%w: bus %d address %d", ErrUnknownLight, busNum, addr)
	}
	return cfg, nil
}

func (m *Manager) getGroup(busNum int, group uint8) (*store.BusConfig, error) {
	cfg, err := m.store.GetBus(busNum)
	if err != nil {
		return nil, err
	}
	if cfg.FindGroup(group) == nil {
		return nil, fmt.Errorf("%w: bus %d group %d", ErrUnknownGroup, busNum, group)
	}
	return cfg, nil
}

// LightLevelEvent is the payload of EventLightLevel.
type LightLevelEvent struct {
	Bus     int   `json:"bus"`
	Address uint8 `json:"address"`
	Level   uint8 `json:"level"`
}

// GroupLevelEvent is the payload of EventGroupLevel.
type GroupLevelEvent struct {
	Bus   int   `json:"bus"`
	Group uint8 `json:"group"`
	Level uint8 `json:"level"`
}

// SetLightBrightness sends a direct arc power frame to one light and
// records the new level.
func (m *Manager) SetLightBrightness(ctx context.Context, busNum int, addr, level uint8) error {
	if _, err := m.getLight(busNum, addr); err != nil {
		return err
	}
	f, err := dali.DirectArcPower(dali.Short(addr), level)
	if err != nil {
		return err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()

	if _, err := m.channel.Transmit(ctx, busNum, f); err != nil {
		return err
	}
	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		if l := cfg.FindChannel(addr); l != nil {
			l.Level = level
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventLightLevel, Data: LightLevelEvent{Bus: busNum, Address: addr, Level: level}})
	return nil
}

// SetGroupBrightness sends a direct arc power frame to a group and records
// the new level on every member.
func (m *Manager) SetGroupBrightness(ctx context.Context, busNum int, group, level uint8) error {
	cfg, err := m.getGroup(busNum, group)
	if err != nil {
		return err
	}
	f, err := dali.DirectArcPower(dali.Group(group), level)
	if err != nil {
		return err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()

	if _, err := m.channel.Transmit(ctx, busNum, f); err != nil {
		return err
	}
	members := append([]uint8(nil), cfg.FindGroup(group).Members...)
	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		for _, addr := range members {
			if l := cfg.FindChannel(addr); l != nil {
				l.Level = level
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventGroupLevel, Data: GroupLevelEvent{Bus: busNum, Group: group, Level: level}})
	return nil
}

// SetBroadcastBrightness sends a direct arc power frame to every device
// on the bus and records the new level on all known lights.
func (m *Manager) SetBroadcastBrightness(ctx context.Context, busNum int, level uint8) error {
	f, err := dali.DirectArcPower(dali.Broadcast(), level)
	if err != nil {
		return err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()

	if _, err := m.channel.Transmit(ctx, busNum, f); err != nil {
		return err
	}
	var addrs []uint8
	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		for i := range cfg.Channels {
			cfg.Channels[i].Level = level
			addrs = append(addrs, cfg.Channels[i].Channel)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		m.events.Emit(Event{Type: EventLightLevel, Data: LightLevelEvent{Bus: busNum, Address: addr, Level: level}})
	}
	return nil
}

// QueryLightLevel asks a light for its actual arc power level.
func (m *Manager) QueryLightLevel(ctx context.Context, busNum int, addr uint8) (uint8, error) {
	if _, err := m.getLight(busNum, addr); err != nil {
		return 0, err
	}
	f, err := dali.Command(dali.Short(addr), dali.CmdQueryActualLevel)
	if err != nil {
		return 0, err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return 0, err
	}
	defer release()
	return m.query(ctx, busNum, f)
}

// LightStatus is the decoded QUERY STATUS byte of one control gear.
type LightStatus struct {
	Raw                 uint8 `json:"raw"`
	ControlGearFailure  bool  `json:"control_gear_failure"`
	LampFailure         bool  `json:"lamp_failure"`
	LampOn              bool  `json:"lamp_on"`
	LimitError          bool  `json:"limit_error"`
	FadeRunning         bool  `json:"fade_running"`
	ResetState          bool  `json:"reset_state"`
	MissingShortAddress bool  `json:"missing_short_address"`
	PowerFailure        bool  `json:"power_failure"`
}

func decodeLightStatus(v uint8) LightStatus {
	return LightStatus{
		Raw:                 v,
		ControlGearFailure:  v&0x01 != 0,
		LampFailure:         v&0x02 != 0,
		LampOn:              v&0x04 != 0,
		LimitError:          v&0x08 != 0,
		FadeRunning:         v&0x10 != 0,
		ResetState:          v&0x20 != 0,
		MissingShortAddress: v&0x40 != 0,
		PowerFailure:        v&0x80 != 0,
	}
}

// QueryLightStatus asks a light for its status byte.
func (m *Manager) QueryLightStatus(ctx context.Context, busNum int, addr uint8) (LightStatus, error) {
	if _, err := m.getLight(busNum, addr); err != nil {
		return LightStatus{}, err
	}
	f, err := dali.Command(dali.Short(addr), dali.CmdQueryStatus)
	if err != nil {
		return LightStatus{}, err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return LightStatus{}, err
	}
	defer release()
	v, err := m.query(ctx, busNum, f)
	if err != nil {
		return LightStatus{}, err
	}
	return decodeLightStatus(v), nil
}

// queryGroupMask reads the device's 16-bit group membership mask. Callers
// hold the bus lock.
func (m *Manager) queryGroupMask(ctx context.Context, busNum int, addr uint8) (uint16, error) {
	lo, err := dali.Command(dali.Short(addr), dali.CmdQueryGroups0To7)
	if err != nil {
		return 0, err
	}
	hi, err := dali.Command(dali.Short(addr), dali.CmdQueryGroups8To15)
	if err != nil {
		return 0, err
	}
	low, err := m.query(ctx, busNum, lo)
	if err != nil {
		return 0, err
	}
	high, err := m.query(ctx, busNum, hi)
	if err != nil {
		return 0, err
	}
	return uint16(high)<<8 | uint16(low), nil
}

// AddToGroup programs group membership into the device, reads the mask back
// to confirm it took, then records it.
func (m *Manager) AddToGroup(ctx context.Context, busNum int, group, addr uint8) error {
	if _, err := m.getLight(busNum, addr); err != nil {
		return err
	}
	if _, err := m.getGroup(busNum, group); err != nil {
		return err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()
	if err := m.addToGroupWire(ctx, busNum, group, addr); err != nil {
		return err
	}
	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		if g := cfg.FindGroup(group); g != nil {
			g.AddMember(addr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return nil
}

func (m *Manager) addToGroupWire(ctx context.Context, busNum int, group, addr uint8) error {
	f, err := dali.AddToGroup(dali.Short(addr), group)
	if err != nil {
		return err
	}
	if _, err := m.channel.Transmit(ctx, busNum, f); err != nil {
		return err
	}
	mask, err := m.queryGroupMask(ctx, busNum, addr)
	if err != nil {
		return err
	}
	if mask&(1<<group) == 0 {
		return fmt.Errorf("%w: address %d did not join group %d", ErrCommandRejected, addr, group)
	}
	return nil
}

// RemoveFromGroup clears group membership in the device, confirms, and
// records it.
func (m *Manager) RemoveFromGroup(ctx context.Context, busNum int, group, addr uint8) error {
	if _, err := m.getLight(busNum, addr); err != nil {
		return err
	}
	if _, err := m.getGroup(busNum, group); err != nil {
		return err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()
	if err := m.removeFromGroupWire(ctx, busNum, group, addr); err != nil {
		return err
	}
	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		if g := cfg.FindGroup(group); g != nil {
			g.RemoveMember(addr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return nil
}

func (m *Manager) removeFromGroupWire(ctx context.Context, busNum int, group, addr uint8) error {
	f, err := dali.RemoveFromGroup(dali.Short(addr), group)
	if err != nil {
		return err
	}
	if _, err := m.channel.Transmit(ctx, busNum, f); err != nil {
		return err
	}
	mask, err := m.queryGroupMask(ctx, busNum, addr)
	if err != nil {
		return err
	}
	if mask&(1<<group) != 0 {
		return fmt.Errorf("%w: address %d still in group %d", ErrCommandRejected, addr, group)
	}
	return nil
}

// NewGroup allocates the lowest free group number on the bus. It is a pure
// configuration change; membership is programmed as lights are added.
func (m *Manager) NewGroup(busNum int, description string) (uint8, error) {
	var allocated uint8
	err := m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		var used [16]bool
		for _, g := range cfg.Groups {
			if int(g.Group) < len(used) {
				used[g.Group] = true
			}
		}
		for n, taken := range used {
			if !taken {
				allocated = uint8(n)
				cfg.Groups = append(cfg.Groups, store.Group{Group: allocated, Description: description})
				return nil
			}
		}
		return fmt.Errorf("%w: bus %d has 16 groups", ErrGroupExists, busNum)
	})
	if err != nil {
		return 0, err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return allocated, nil
}

// RemoveGroup clears the group out of every member device, then drops it
// from the configuration.
func (m *Manager) RemoveGroup(ctx context.Context, busNum int, group uint8) error {
	cfg, err := m.getGroup(busNum, group)
	if err != nil {
		return err
	}
	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()
	for _, addr := range cfg.FindGroup(group).Members {
		if err := m.removeFromGroupWire(ctx, busNum, group, addr); err != nil {
			return err
		}
	}
	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		for i := range cfg.Groups {
			if cfg.Groups[i].Group == group {
				cfg.Groups = append(cfg.Groups[:i], cfg.Groups[i+1:]...)
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return nil
}

// MatchGroup reconciles a group's membership to exactly the given set,
// programming additions and removals on the wire.
func (m *Manager) MatchGroup(ctx context.Context, busNum int, group uint8, members []uint8) error {
	cfg, err := m.getGroup(busNum, group)
	if err != nil {
		return err
	}
	want := make(map[uint8]bool, len(members))
	for _, addr := range members {
		if cfg.FindChannel(addr) == nil {
			return fmt.Errorf("%w: bus %d address %d", ErrUnknownLight, busNum, addr)
		}
		want[addr] = true
	}

	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()

	current := cfg.FindGroup(group).Members
	for _, addr := range current {
		if !want[addr] {
			if err := m.removeFromGroupWire(ctx, busNum, group, addr); err != nil {
				return err
			}
		}
	}
	have := make(map[uint8]bool, len(current))
	for _, addr := range current {
		have[addr] = true
	}
	for _, addr := range members {
		if !have[addr] {
			if err := m.addToGroupWire(ctx, busNum, group, addr); err != nil {
				return err
			}
		}
	}

	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		if g := cfg.FindGroup(group); g != nil {
			g.Members = append([]uint8(nil), members...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return nil
}

// RenameBus updates a bus description.
func (m *Manager) RenameBus(busNum int, description string) error {
	err := m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		cfg.Description = description
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return nil
}

// RenameLight updates a light description.
func (m *Manager) RenameLight(busNum int, addr uint8, description string) error {
	err := m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		l := cfg.FindChannel(addr)
		if l == nil {
			return fmt.Errorf("%w: bus %d address %d", ErrUnknownLight, busNum, addr)
		}
		l.Description = description
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return nil
}

// RenameGroup updates a group description.
func (m *Manager) RenameGroup(busNum int, group uint8, description string) error {
	err := m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		g := cfg.FindGroup(group)
		if g == nil {
			return fmt.Errorf("%w: bus %d group %d", ErrUnknownGroup, busNum, group)
		}
		g.Description = description
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventConfigChanged, Data: map[string]interface{}{"bus": busNum}})
	return nil
}

// RemoveShortAddress wipes the short address out of the device via DTR0 and
// confirms the address went quiet before dropping it from the configuration.
func (m *Manager) RemoveShortAddress(ctx context.Context, busNum int, addr uint8) error {
	if _, err := m.getLight(busNum, addr); err != nil {
		return err
	}
	setCmd, err := dali.Command(dali.Short(addr), dali.CmdSetShortAddress)
	if err != nil {
		return err
	}
	probe, err := dali.Command(dali.Short(addr), dali.CmdQueryControlGear)
	if err != nil {
		return err
	}

	release, err := m.acquire(busNum)
	if err != nil {
		return err
	}
	defer release()

	if _, err := m.channel.Transmit(ctx, busNum, dali.SetDTR0(0xFF)); err != nil {
		return err
	}
	if _, err := m.channel.Transmit(ctx, busNum, setCmd); err != nil {
		return err
	}
	resp, err := m.channel.Transmit(ctx, busNum, probe)
	if err != nil {
		return err
	}
	if resp.Answered() {
		return fmt.Errorf("%w: address %d still answering after removal", ErrCommandRejected, addr)
	}

	err = m.store.UpdateBus(busNum, func(cfg *store.BusConfig) error {
		cfg.RemoveChannel(addr)
		return nil
	})
	if err != nil {
		return err
	}
	m.events.Emit(Event{Type: EventLightRemoved, Data: map[string]interface{}{"bus": busNum, "address": addr}})
	return nil
}

// BusStatusEvent is the payload of EventBusStatus.
type BusStatusEvent struct {
	Bus    int    `json:"bus"`
	Status string `json:"status"`
}

// BusStatus reads the electrical state of a bus and emits an event when it
// changes.
func (m *Manager) BusStatus(ctx context.Context, busNum int) (bus.Status, error) {
	if busNum < 0 || busNum >= m.Buses() {
		return bus.StatusUnknown, fmt.Errorf("%w: %d", bus.ErrUnknownBus, busNum)
	}
	st, err := m.channel.Status(ctx, busNum)
	if err != nil {
		return bus.StatusUnknown, err
	}
	if prev := bus.Status(m.statuses[busNum].Swap(int32(st))); prev != st {
		m.events.Emit(Event{Type: EventBusStatus, Data: BusStatusEvent{Bus: busNum, Status: st.String()}})
	}
	return st, nil
}

// BusView is one bus's configuration plus its last read electrical state.
type BusView struct {
	store.BusConfig
	Status string `json:"status"`
}

// Snapshot assembles the full configuration of all buses, sorted by bus
// number, for publication.
func (m *Manager) Snapshot() ([]BusView, error) {
	buses, err := m.store.ListBuses()
	if err != nil {
		return nil, err
	}
	sort.Slice(buses, func(i, j int) bool { return buses[i].Bus < buses[j].Bus })
	views := make([]BusView, 0, len(buses))
	for _, b := range buses {
		st := bus.StatusUnknown
		if b.Bus >= 0 && b.Bus < m.Buses() {
			st = bus.Status(m.statuses[b.Bus].Load())
		}
		views = append(views, BusView{BusConfig: *b, Status: st.String()})
	}
	return views, nil
}

package store

import "time"

// Controller holds bridge-level metadata.
type Controller struct {
	Name            string    `json:"name"`
	HardwareVersion uint8     `json:"hardware_version,omitempty"`
	FirmwareVersion uint8     `json:"firmware_version,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BusConfig is the commissioned configuration of one DALI bus: the lights
// that hold short addresses and the groups assembled from them.
type BusConfig struct {
	Bus         int     `json:"bus"`
	Description string  `json:"description"`
	Channels    []Light `json:"channels"`
	Groups      []Group `json:"groups"`
}

// Light is one addressed control gear on a bus.
type Light struct {
	Channel     uint8  `json:"channel"` // short address, 0-63
	Description string `json:"description"`
	Level       uint8  `json:"level"` // last known arc power level
}

// Group is one DALI group and its member short addresses.
type Group struct {
	Group       uint8   `json:"group"` // 0-15
	Description string  `json:"description"`
	Members     []uint8 `json:"members"`
}

// FindChannel returns the light with the given short address, or nil.
func (b *BusConfig) FindChannel(addr uint8) *Light {
	for i := range b.Channels {
		if b.Channels[i].Channel == addr {
			return &b.Channels[i]
		}
	}
	return nil
}

// FindGroup returns the group with the given number, or nil.
func (b *BusConfig) FindGroup(group uint8) *Group {
	for i := range b.Groups {
		if b.Groups[i].Group == group {
			return &b.Groups[i]
		}
	}
	return nil
}

// RemoveChannel drops the light with the given short address and scrubs it
// from every group's member list. It reports whether the light existed.
func (b *BusConfig) RemoveChannel(addr uint8) bool {
	found := false
	for i := range b.Channels {
		if b.Channels[i].Channel == addr {
			b.Channels = append(b.Channels[:i], b.Channels[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for i := range b.Groups {
		b.Groups[i].RemoveMember(addr)
	}
	return true
}

// AddMember inserts a short address into the group if not already present.
func (g *Group) AddMember(addr uint8) {
	for _, m := range g.Members {
		if m == addr {
			return
		}
	}
	g.Members = append(g.Members, addr)
}

// RemoveMember drops a short address from the group.
func (g *Group) RemoveMember(addr uint8) {
	for i, m := range g.Members {
		if m == addr {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			return
		}
	}
}

// HasMember reports group membership.
func (g *Group) HasMember(addr uint8) bool {
	for _, m := range g.Members {
		if m == addr {
			return true
		}
	}
	return false
}

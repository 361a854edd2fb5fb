package dali

import (
	"errors"
	"fmt"
)

// Validation errors, returned before any frame reaches the wire.
var (
	ErrInvalidAddress = errors.New("dali: short address out of range (0-63)")
	ErrInvalidGroup   = errors.New("dali: group out of range (0-15)")
	ErrInvalidLevel   = errors.New("dali: level out of range (0-254)")
)

// TargetKind selects the forward-frame addressing scheme.
type TargetKind uint8

const (
	TargetShort TargetKind = iota
	TargetGroup
	TargetBroadcast
)

func (k TargetKind) String() string {
	switch k {
	case TargetShort:
		return "short"
	case TargetGroup:
		return "group"
	case TargetBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("target(%d)", uint8(k))
	}
}

// Target is a forward-frame destination: one device, one group, or the
// whole bus.
type Target struct {
	Kind TargetKind
	Addr uint8 // short address or group number; unused for broadcast
}

// Short addresses a single device.
func Short(addr uint8) Target { return Target{Kind: TargetShort, Addr: addr} }

// Group addresses all members of a group.
func Group(group uint8) Target { return Target{Kind: TargetGroup, Addr: group} }

// Broadcast addresses every device on the bus.
func Broadcast() Target { return Target{Kind: TargetBroadcast} }

func (t Target) String() string {
	if t.Kind == TargetBroadcast {
		return "broadcast"
	}
	return fmt.Sprintf("%s %d", t.Kind, t.Addr)
}

// validate checks the target's address range.
func (t Target) validate() error {
	switch t.Kind {
	case TargetShort:
		if t.Addr > MaxShortAddress {
			return fmt.Errorf("%w: %d", ErrInvalidAddress, t.Addr)
		}
	case TargetGroup:
		if t.Addr > MaxGroup {
			return fmt.Errorf("%w: %d", ErrInvalidGroup, t.Addr)
		}
	}
	return nil
}

// addressByte encodes the target into a forward-frame address byte.
// selector is the S bit: 0 for direct-arc frames, 1 for command frames.
func (t Target) addressByte(selector uint8) uint8 {
	switch t.Kind {
	case TargetShort:
		return t.Addr<<1 | selector
	case TargetGroup:
		return 0x80 | t.Addr<<1 | selector
	default:
		if selector == 0 {
			return broadcastArc
		}
		return broadcastCommand
	}
}

// Frame is a two-byte DALI forward frame plus the transmission hints the
// hardware channel needs: whether the frame must be repeated within the
// config-command window and whether a backward frame is expected.
type Frame struct {
	B1, B2 uint8
	Twice  bool
	Reply  bool
}

func (f Frame) String() string {
	return fmt.Sprintf("%02X%02X", f.B1, f.B2)
}

// DirectArcPower encodes a direct arc power (brightness) frame.
// Level 255 is the reserved MASK value and is rejected.
func DirectArcPower(t Target, level uint8) (Frame, error) {
	if err := t.validate(); err != nil {
		return Frame{}, err
	}
	if level > MaxLevel {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	return Frame{B1: t.addressByte(0), B2: level}, nil
}

// Command encodes an addressed command frame. Configuration commands are
// flagged for double transmission, queries for an expected reply.
func Command(t Target, opcode uint8) (Frame, error) {
	if err := t.validate(); err != nil {
		return Frame{}, err
	}
	return Frame{
		B1:    t.addressByte(1),
		B2:    opcode,
		Twice: isConfigCommand(opcode),
		Reply: isQueryCommand(opcode),
	}, nil
}

// AddToGroup encodes the config command adding the addressed device to a
// group.
func AddToGroup(t Target, group uint8) (Frame, error) {
	if group > MaxGroup {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidGroup, group)
	}
	return Command(t, CmdAddToGroup0+group)
}

// RemoveFromGroup encodes the config command removing the addressed device
// from a group.
func RemoveFromGroup(t Target, group uint8) (Frame, error) {
	if group > MaxGroup {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidGroup, group)
	}
	return Command(t, CmdRemoveFromGroup0+group)
}

// special encodes a special command frame.
func special(cmd, param uint8) Frame {
	return Frame{B1: cmd, B2: param}
}

// InitialiseScope selects which devices enter initialisation mode.
type InitialiseScope struct {
	param uint8
}

// InitialiseAll puts every device on the bus into initialisation mode.
func InitialiseAll() InitialiseScope { return InitialiseScope{param: 0x00} }

// InitialiseUnaddressed puts only devices without a short address into
// initialisation mode.
func InitialiseUnaddressed() InitialiseScope { return InitialiseScope{param: 0xFF} }

// InitialiseAddress puts the single device with the given short address
// into initialisation mode.
func InitialiseAddress(addr uint8) (InitialiseScope, error) {
	if addr > MaxShortAddress {
		return InitialiseScope{}, fmt.Errorf("%w: %d", ErrInvalidAddress, addr)
	}
	return InitialiseScope{param: addr<<1 | 1}, nil
}

// Initialise encodes the INITIALISE special command. Sent twice.
func Initialise(scope InitialiseScope) Frame {
	f := special(SpecialInitialise, scope.param)
	f.Twice = true
	return f
}

// Randomise makes all initialising devices pick a fresh 24-bit random
// address. Sent twice.
func Randomise() Frame {
	f := special(SpecialRandomise, 0x00)
	f.Twice = true
	return f
}

// Compare asks every non-withdrawn initialising device whether its random
// address is less than or equal to the search address.
func Compare() Frame {
	f := special(SpecialCompare, 0x00)
	f.Reply = true
	return f
}

// Withdraw removes the device whose random address equals the search
// address from further compares in this session.
func Withdraw() Frame { return special(SpecialWithdraw, 0x00) }

// Terminate ends initialisation mode on all devices.
func Terminate() Frame { return special(SpecialTerminate, 0x00) }

// SetDTR0 loads the data transfer register.
func SetDTR0(value uint8) Frame { return special(SpecialDTR0, value) }

// SearchAddress encodes the three frames setting the 24-bit search address,
// high byte first.
func SearchAddress(addr uint32) [3]Frame {
	return [3]Frame{
		special(SpecialSearchAddrH, uint8(addr>>16)),
		special(SpecialSearchAddrM, uint8(addr>>8)),
		special(SpecialSearchAddrL, uint8(addr)),
	}
}

// ProgramShortAddress assigns a short address to the selected device (the
// one whose random address matched the search address).
func ProgramShortAddress(addr uint8) (Frame, error) {
	if addr > MaxShortAddress {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidAddress, addr)
	}
	return special(SpecialProgramShortAddress, addr<<1|1), nil
}

// VerifyShortAddress asks the selected device to confirm its programmed
// short address.
func VerifyShortAddress(addr uint8) (Frame, error) {
	if addr > MaxShortAddress {
		return Frame{}, fmt.Errorf("%w: %d", ErrInvalidAddress, addr)
	}
	f := special(SpecialVerifyShortAddress, addr<<1|1)
	f.Reply = true
	return f, nil
}

// QueryShortAddress asks the selected device for its short address.
func QueryShortAddress() Frame {
	f := special(SpecialQueryShortAddress, 0x00)
	f.Reply = true
	return f
}

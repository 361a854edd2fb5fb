// Package dali implements the IEC 62386-102 forward-frame subset used for
// commissioning, addressing, grouping and direct power control of control
// gear. It knows nothing about transports: frames go out and response bytes
// come back through the bus package.
package dali

// Addressed command opcodes (second frame byte, sent with the selector bit
// set in the address byte).
const (
	CmdOff            uint8 = 0x00
	CmdUp             uint8 = 0x01
	CmdDown           uint8 = 0x02
	CmdRecallMaxLevel uint8 = 0x05
	CmdRecallMinLevel uint8 = 0x06
	CmdReset          uint8 = 0x20

	// Configuration commands 0x20-0x80 must be received twice within 100 ms
	// to take effect.
	CmdAddToGroup0      uint8 = 0x60 // +group, 0x60-0x6F
	CmdRemoveFromGroup0 uint8 = 0x70 // +group, 0x70-0x7F
	CmdSetShortAddress  uint8 = 0x80 // short address taken from DTR0

	CmdQueryStatus      uint8 = 0x90
	CmdQueryControlGear uint8 = 0x91
	CmdQueryActualLevel uint8 = 0xA0
	CmdQueryGroups0To7  uint8 = 0xC0
	CmdQueryGroups8To15 uint8 = 0xC1
)

// Special commands occupy the first frame byte themselves; the second byte
// carries their parameter. They address every device on the bus.
const (
	SpecialTerminate           uint8 = 0xA1
	SpecialDTR0                uint8 = 0xA3
	SpecialInitialise          uint8 = 0xA5
	SpecialRandomise           uint8 = 0xA7
	SpecialCompare             uint8 = 0xA9
	SpecialWithdraw            uint8 = 0xAB
	SpecialSearchAddrH         uint8 = 0xB1
	SpecialSearchAddrM         uint8 = 0xB3
	SpecialSearchAddrL         uint8 = 0xB5
	SpecialProgramShortAddress uint8 = 0xB7
	SpecialVerifyShortAddress  uint8 = 0xB9
	SpecialQueryShortAddress   uint8 = 0xBB
)

// Address byte values for broadcast frames.
const (
	broadcastArc     uint8 = 0xFE
	broadcastCommand uint8 = 0xFF
)

// Addressing limits.
const (
	MaxShortAddress uint8 = 63
	MaxGroup        uint8 = 15
	MaxLevel        uint8 = 254 // 255 is the MASK value, reserved
)

// SearchSpaceSize is the size of the 24-bit random-address space searched
// during commissioning.
const SearchSpaceSize uint32 = 1 << 24

// UnaddressedShortAddress marks control gear without a programmed short
// address.
const UnaddressedShortAddress uint8 = 0xFF

// isSpecial reports whether an address byte selects the special command
// band rather than a device address.
func isSpecial(b1 uint8) bool {
	return b1 >= 0xA0 && b1 <= 0xFB
}

// isConfigCommand reports whether an addressed opcode must be sent twice.
func isConfigCommand(opcode uint8) bool {
	return opcode >= 0x20 && opcode <= 0x80
}

// isQueryCommand reports whether an addressed opcode expects a backward
// frame.
func isQueryCommand(opcode uint8) bool {
	return opcode >= 0x90
}

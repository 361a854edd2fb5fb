package dali

import (
	"errors"
	"testing"
)

// Every encodable operation must decode back to the same logical operation.
func TestForwardRoundTrip(t *testing.T) {
	type op struct {
		name  string
		frame func() (Frame, error)
		want  Op
	}

	ops := []op{
		{
			"direct arc short",
			func() (Frame, error) { return DirectArcPower(Short(7), 120) },
			Op{Kind: OpDirectArc, Target: Short(7), Data: 120},
		},
		{
			"direct arc group",
			func() (Frame, error) { return DirectArcPower(Group(3), 254) },
			Op{Kind: OpDirectArc, Target: Group(3), Data: 254},
		},
		{
			"direct arc broadcast",
			func() (Frame, error) { return DirectArcPower(Broadcast(), 0) },
			Op{Kind: OpDirectArc, Target: Broadcast(), Data: 0},
		},
		{
			"query status",
			func() (Frame, error) { return Command(Short(63), CmdQueryStatus) },
			Op{Kind: OpCommand, Target: Short(63), Opcode: CmdQueryStatus},
		},
		{
			"query actual level broadcast",
			func() (Frame, error) { return Command(Broadcast(), CmdQueryActualLevel) },
			Op{Kind: OpCommand, Target: Broadcast(), Opcode: CmdQueryActualLevel},
		},
		{
			"add to group 9",
			func() (Frame, error) { return AddToGroup(Short(2), 9) },
			Op{Kind: OpCommand, Target: Short(2), Opcode: CmdAddToGroup0 + 9},
		},
		{
			"remove from group 0",
			func() (Frame, error) { return RemoveFromGroup(Short(2), 0) },
			Op{Kind: OpCommand, Target: Short(2), Opcode: CmdRemoveFromGroup0},
		},
		{
			"initialise",
			func() (Frame, error) { return Initialise(InitialiseUnaddressed()), nil },
			Op{Kind: OpSpecial, Opcode: SpecialInitialise, Data: 0xFF},
		},
		{
			"randomise",
			func() (Frame, error) { return Randomise(), nil },
			Op{Kind: OpSpecial, Opcode: SpecialRandomise},
		},
		{
			"compare",
			func() (Frame, error) { return Compare(), nil },
			Op{Kind: OpSpecial, Opcode: SpecialCompare},
		},
		{
			"withdraw",
			func() (Frame, error) { return Withdraw(), nil },
			Op{Kind: OpSpecial, Opcode: SpecialWithdraw},
		},
		{
			"terminate",
			func() (Frame, error) { return Terminate(), nil },
			Op{Kind: OpSpecial, Opcode: SpecialTerminate},
		},
		{
			"set dtr0",
			func() (Frame, error) { return SetDTR0(0x2A), nil },
			Op{Kind: OpSpecial, Opcode: SpecialDTR0, Data: 0x2A},
		},
		{
			"program short address",
			func() (Frame, error) { return ProgramShortAddress(33) },
			Op{Kind: OpSpecial, Opcode: SpecialProgramShortAddress, Data: 33<<1 | 1},
		},
		{
			"verify short address",
			func() (Frame, error) { return VerifyShortAddress(33) },
			Op{Kind: OpSpecial, Opcode: SpecialVerifyShortAddress, Data: 33<<1 | 1},
		},
		{
			"query short address",
			func() (Frame, error) { return QueryShortAddress(), nil },
			Op{Kind: OpSpecial, Opcode: SpecialQueryShortAddress},
		},
	}

	for _, tt := range ops {
		t.Run(tt.name, func(t *testing.T) {
			f, err := tt.frame()
			if err != nil {
				t.Fatal(err)
			}
			got, err := DecodeForward(f.B1, f.B2)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("DecodeForward(%v) = %+v, want %+v", f, got, tt.want)
			}
		})
	}
}

func TestSearchAddressRoundTrip(t *testing.T) {
	frames := SearchAddress(0x123456)
	var rebuilt uint32
	for _, f := range frames {
		op, err := DecodeForward(f.B1, f.B2)
		if err != nil {
			t.Fatal(err)
		}
		switch op.Opcode {
		case SpecialSearchAddrH:
			rebuilt |= uint32(op.Data) << 16
		case SpecialSearchAddrM:
			rebuilt |= uint32(op.Data) << 8
		case SpecialSearchAddrL:
			rebuilt |= uint32(op.Data)
		default:
			t.Fatalf("unexpected opcode %02X", op.Opcode)
		}
	}
	if rebuilt != 0x123456 {
		t.Errorf("rebuilt search address = %06X, want 123456", rebuilt)
	}
}

func TestDecodeForwardRejectsGarbage(t *testing.T) {
	// Even byte inside the special band is not a valid frame.
	if _, err := DecodeForward(0xA0, 0x00); !errors.Is(err, ErrProtocol) {
		t.Errorf("DecodeForward(A0) error = %v, want ErrProtocol", err)
	}
}

func TestResponseClassification(t *testing.T) {
	if !ValueResponse(0xFF).Yes() {
		t.Error("0xFF should classify as YES")
	}
	if ValueResponse(0x42).Yes() {
		t.Error("0x42 should not classify as YES")
	}
	if NoResponse().Answered() {
		t.Error("no response should not count as answered")
	}
	if !CollisionResponse().Answered() {
		t.Error("collision counts as answered")
	}
	if CollisionResponse().Yes() {
		t.Error("collision is not a clean YES")
	}
}

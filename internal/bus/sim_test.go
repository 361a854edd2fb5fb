package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"dali-go-bridge/internal/dali"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSim(t *testing.T, specs ...SimDeviceSpec) *SimChannel {
	t.Helper()
	c := NewSim(testLogger(), 1)
	c.Seed(1)
	for _, s := range specs {
		if err := c.AddDevice(0, s); err != nil {
			t.Fatalf("add device: %v", err)
		}
	}
	return c
}

func mustTransmit(t *testing.T, c *SimChannel, f dali.Frame, err error) dali.Response {
	t.Helper()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	resp, terr := c.Transmit(context.Background(), 0, f)
	if terr != nil {
		t.Fatalf("transmit: %v", terr)
	}
	return resp
}

func TestSimDirectArc(t *testing.T) {
	c := newTestSim(t,
		SimDeviceSpec{ID: "a", ShortAddress: 3},
		SimDeviceSpec{ID: "b", ShortAddress: 7, Groups: []uint8{2}},
	)

	f, err := dali.DirectArcPower(dali.Short(3), 100)
	mustTransmit(t, c, f, err)

	f, err = dali.DirectArcPower(dali.Group(2), 50)
	mustTransmit(t, c, f, err)

	devs, err := c.Devices(0)
	if err != nil {
		t.Fatal(err)
	}
	if devs[0].Brightness != 100 {
		t.Errorf("device a brightness = %d, want 100", devs[0].Brightness)
	}
	if devs[1].Brightness != 50 {
		t.Errorf("device b brightness = %d, want 50", devs[1].Brightness)
	}

	f, err = dali.DirectArcPower(dali.Broadcast(), 0)
	mustTransmit(t, c, f, err)
	devs, _ = c.Devices(0)
	if devs[0].Brightness != 0 || devs[1].Brightness != 0 {
		t.Errorf("broadcast off left levels %d, %d", devs[0].Brightness, devs[1].Brightness)
	}
}

func TestSimQueries(t *testing.T) {
	c := newTestSim(t, SimDeviceSpec{ID: "a", ShortAddress: 5, Brightness: 42, Groups: []uint8{1, 9}})

	f, err := dali.Command(dali.Short(5), dali.CmdQueryActualLevel)
	resp := mustTransmit(t, c, f, err)
	if resp.Kind != dali.ResponseValue || resp.Value != 42 {
		t.Errorf("actual level = %+v, want 42", resp)
	}

	f, err = dali.Command(dali.Short(5), dali.CmdQueryGroups0To7)
	resp = mustTransmit(t, c, f, err)
	if resp.Value != 0x02 {
		t.Errorf("groups 0-7 = %02X, want 02", resp.Value)
	}
	f, err = dali.Command(dali.Short(5), dali.CmdQueryGroups8To15)
	resp = mustTransmit(t, c, f, err)
	if resp.Value != 0x02 {
		t.Errorf("groups 8-15 = %02X, want 02", resp.Value)
	}

	// Nobody at address 6.
	f, err = dali.Command(dali.Short(6), dali.CmdQueryActualLevel)
	resp = mustTransmit(t, c, f, err)
	if resp.Kind != dali.ResponseNone {
		t.Errorf("empty address answered: %+v", resp)
	}
}

func TestSimGroupMembership(t *testing.T) {
	c := newTestSim(t, SimDeviceSpec{ID: "a", ShortAddress: 0})

	f, err := dali.AddToGroup(dali.Short(0), 4)
	mustTransmit(t, c, f, err)
	devs, _ := c.Devices(0)
	if devs[0].GroupMask != 1<<4 {
		t.Fatalf("mask after add = %04X", devs[0].GroupMask)
	}

	f, err = dali.RemoveFromGroup(dali.Short(0), 4)
	mustTransmit(t, c, f, err)
	devs, _ = c.Devices(0)
	if devs[0].GroupMask != 0 {
		t.Fatalf("mask after remove = %04X", devs[0].GroupMask)
	}
}

func TestSimQueryCollision(t *testing.T) {
	c := newTestSim(t,
		SimDeviceSpec{ID: "a", ShortAddress: 1, Groups: []uint8{0}},
		SimDeviceSpec{ID: "b", ShortAddress: 2, Groups: []uint8{0}},
	)
	f, err := dali.Command(dali.Group(0), dali.CmdQueryActualLevel)
	resp := mustTransmit(t, c, f, err)
	if resp.Kind != dali.ResponseCollision {
		t.Fatalf("two answers produced %v, want collision", resp.Kind)
	}
}

// TestSimCommissioningHandshake walks the raw commissioning frame sequence
// against a single factory-fresh device.
func TestSimCommissioningHandshake(t *testing.T) {
	c := newTestSim(t, SimDeviceSpec{ID: "a", ShortAddress: dali.UnaddressedShortAddress})
	if err := c.ForceRandomAddress(0, "a", 0x123456); err != nil {
		t.Fatal(err)
	}

	mustTransmit(t, c, dali.Initialise(dali.InitialiseUnaddressed()), nil)
	mustTransmit(t, c, dali.Randomise(), nil)

	// Full-range compare answers, below-range compare stays quiet.
	for _, f := range dali.SearchAddress(dali.SearchSpaceSize - 1) {
		mustTransmit(t, c, f, nil)
	}
	if resp := mustTransmit(t, c, dali.Compare(), nil); !resp.Yes() {
		t.Fatal("full-range compare got no answer")
	}
	for _, f := range dali.SearchAddress(0x123455) {
		mustTransmit(t, c, f, nil)
	}
	if resp := mustTransmit(t, c, dali.Compare(), nil); resp.Answered() {
		t.Fatal("compare below random address answered")
	}

	// Land on the exact address and program.
	for _, f := range dali.SearchAddress(0x123456) {
		mustTransmit(t, c, f, nil)
	}
	f, err := dali.ProgramShortAddress(9)
	mustTransmit(t, c, f, err)
	f, err = dali.VerifyShortAddress(9)
	if resp := mustTransmit(t, c, f, err); !resp.Yes() {
		t.Fatal("verify after program failed")
	}
	mustTransmit(t, c, dali.Withdraw(), nil)
	if resp := mustTransmit(t, c, dali.Compare(), nil); resp.Answered() {
		t.Fatal("withdrawn device still answers compare")
	}

	mustTransmit(t, c, dali.Terminate(), nil)
	devs, _ := c.Devices(0)
	if devs[0].ShortAddress != 9 {
		t.Fatalf("short address = %d, want 9", devs[0].ShortAddress)
	}
	if devs[0].Initialising {
		t.Fatal("device still initialising after terminate")
	}
}

func TestSimInitialiseScopes(t *testing.T) {
	c := newTestSim(t,
		SimDeviceSpec{ID: "fresh", ShortAddress: dali.UnaddressedShortAddress},
		SimDeviceSpec{ID: "addressed", ShortAddress: 12},
	)

	mustTransmit(t, c, dali.Initialise(dali.InitialiseUnaddressed()), nil)
	devs, _ := c.Devices(0)
	if !devs[0].Initialising || devs[1].Initialising {
		t.Fatalf("unaddressed scope hit %v/%v", devs[0].Initialising, devs[1].Initialising)
	}
	mustTransmit(t, c, dali.Terminate(), nil)

	scope, err := dali.InitialiseAddress(12)
	if err != nil {
		t.Fatal(err)
	}
	mustTransmit(t, c, dali.Initialise(scope), nil)
	devs, _ = c.Devices(0)
	if devs[0].Initialising || !devs[1].Initialising {
		t.Fatalf("address scope hit %v/%v", devs[0].Initialising, devs[1].Initialising)
	}
}

func TestSimSetShortAddressViaDTR0(t *testing.T) {
	c := newTestSim(t, SimDeviceSpec{ID: "a", ShortAddress: 3})

	mustTransmit(t, c, dali.SetDTR0(8<<1|1), nil)
	f, err := dali.Command(dali.Short(3), dali.CmdSetShortAddress)
	mustTransmit(t, c, f, err)
	devs, _ := c.Devices(0)
	if devs[0].ShortAddress != 8 {
		t.Fatalf("short address = %d, want 8", devs[0].ShortAddress)
	}

	// DTR0 0xFF clears the address entirely.
	mustTransmit(t, c, dali.SetDTR0(0xFF), nil)
	f, err = dali.Command(dali.Short(8), dali.CmdSetShortAddress)
	mustTransmit(t, c, f, err)
	devs, _ = c.Devices(0)
	if devs[0].ShortAddress != dali.UnaddressedShortAddress {
		t.Fatalf("short address = %d, want unaddressed", devs[0].ShortAddress)
	}
}

func TestSimDropReplies(t *testing.T) {
	c := newTestSim(t, SimDeviceSpec{ID: "a", ShortAddress: 0})
	if err := c.DropReplies(0, "a", 1); err != nil {
		t.Fatal(err)
	}
	f, err := dali.Command(dali.Short(0), dali.CmdQueryStatus)
	if resp := mustTransmit(t, c, f, err); resp.Answered() {
		t.Fatal("dropped reply still arrived")
	}
	if resp := mustTransmit(t, c, f, err); !resp.Answered() {
		t.Fatal("reply after drop budget still missing")
	}
}

func TestSimDeadBus(t *testing.T) {
	c := newTestSim(t, SimDeviceSpec{ID: "a", ShortAddress: 0})
	if err := c.SetBusStatus(0, StatusNoPower); err != nil {
		t.Fatal(err)
	}
	f, err := dali.Command(dali.Short(0), dali.CmdQueryStatus)
	if resp := mustTransmit(t, c, f, err); resp.Answered() {
		t.Fatal("dead bus carried a reply")
	}
	st, err := c.Status(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusNoPower {
		t.Fatalf("status = %v, want no_power", st)
	}
}

func TestSimUnknownBus(t *testing.T) {
	c := newTestSim(t)
	_, err := c.Transmit(context.Background(), 5, dali.Terminate())
	if !errors.Is(err, ErrUnknownBus) {
		t.Fatalf("got %v, want ErrUnknownBus", err)
	}
}

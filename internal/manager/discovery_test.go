package manager

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"dali-go-bridge/internal/bus"
	"dali-go-bridge/internal/dali"
)

func freshSpecs(n int) []bus.SimDeviceSpec {
	specs := make([]bus.SimDeviceSpec, 0, n)
	for i := 0; i < n; i++ {
		specs = append(specs, bus.SimDeviceSpec{
			ID:           fmt.Sprintf("dev%d", i),
			ShortAddress: dali.UnaddressedShortAddress,
		})
	}
	return specs
}

func TestDiscoverEmptyBus(t *testing.T) {
	h := newHarness(t)
	found, err := h.manager.FindAllLights(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("found %v on empty bus", found)
	}
	// A silent full-range compare ends the session after at most the retry
	// budget worth of compares.
	compares, err := h.sim.Compares(0)
	if err != nil {
		t.Fatal(err)
	}
	if compares > compareRetries {
		t.Fatalf("empty bus took %d compares, want <= %d", compares, compareRetries)
	}
}

func TestDiscoverPopulation(t *testing.T) {
	for _, n := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("%d devices", n), func(t *testing.T) {
			h := newHarness(t, freshSpecs(n)...)
			found, err := h.manager.FindAllLights(context.Background(), 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(found) != n {
				t.Fatalf("found %d, want %d", len(found), n)
			}
			for i, addr := range found {
				if int(addr) != i {
					t.Fatalf("found = %v, want consecutive from 0", found)
				}
			}

			devs, _ := h.sim.Devices(0)
			seen := make(map[uint8]bool)
			for _, d := range devs {
				if d.ShortAddress > dali.MaxShortAddress {
					t.Fatalf("device %s left unaddressed", d.ID)
				}
				if seen[d.ShortAddress] {
					t.Fatalf("address %d assigned twice", d.ShortAddress)
				}
				seen[d.ShortAddress] = true
				if d.Initialising {
					t.Fatalf("device %s still initialising", d.ID)
				}
			}

			cfg := h.mustGetBus(t)
			if len(cfg.Channels) != n {
				t.Fatalf("store has %d lights, want %d", len(cfg.Channels), n)
			}

			// Each device costs one 24-step bisection; silent steps may be
			// retried once.
			compares, _ := h.sim.Compares(0)
			budget := n*(24*compareRetries+compareRetries) + compareRetries
			if compares > budget {
				t.Fatalf("%d compares for %d devices, budget %d", compares, n, budget)
			}
		})
	}
}

func TestDiscoverSurvivesDroppedReplies(t *testing.T) {
	h := newHarness(t, freshSpecs(2)...)
	// One swallowed answer per device must not derail the search.
	if err := h.sim.DropReplies(0, "dev0", 1); err != nil {
		t.Fatal(err)
	}
	if err := h.sim.DropReplies(0, "dev1", 1); err != nil {
		t.Fatal(err)
	}
	found, err := h.manager.FindAllLights(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("found %v, want 2 devices", found)
	}
}

func TestDiscoverVerifyFailure(t *testing.T) {
	h := newHarness(t, freshSpecs(2)...)
	// Park dev1 at the top of the search space so dev0 is acquired first,
	// then kill dev1's answer path for exactly its two verify windows: its
	// only earlier answers are the two full-range compares.
	if err := h.sim.ForceRandomAddress(0, "dev0", 0x000001); err != nil {
		t.Fatal(err)
	}
	if err := h.sim.ForceRandomAddress(0, "dev1", 0xFFFFFF); err != nil {
		t.Fatal(err)
	}
	if err := h.sim.DropRepliesAfter(0, "dev1", 2, compareRetries); err != nil {
		t.Fatal(err)
	}

	found, err := h.manager.FindAllLights(context.Background(), 0)
	var partial *PartialDiscoveryError
	if !errors.As(err, &partial) {
		t.Fatalf("got %v, want PartialDiscoveryError", err)
	}
	if !errors.Is(err, ErrCommandRejected) {
		t.Fatalf("cause = %v, want ErrCommandRejected", err)
	}
	if len(found) != 1 || found[0] != 0 || len(partial.Found) != 1 {
		t.Fatalf("found %v / %v, want exactly the first light", found, partial.Found)
	}
	// The light that did verify is committed.
	if h.mustGetBus(t).FindChannel(0) == nil {
		t.Fatal("partial result not persisted")
	}
}

func TestDiscoverSilentDeviceTreatedAsAbsent(t *testing.T) {
	h := newHarness(t, freshSpecs(1)...)
	// A device that never answers a compare is indistinguishable from an
	// empty bus: the session completes clean without it.
	if err := h.sim.DropReplies(0, "dev0", 1000); err != nil {
		t.Fatal(err)
	}
	found, err := h.manager.FindAllLights(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("found %v, want none", found)
	}
}

func TestDiscoverCollidingRandomAddresses(t *testing.T) {
	h := newHarness(t, freshSpecs(2)...)
	// Both devices pick the same random address: they travel through the
	// search together and end up sharing one short address.
	if err := h.sim.ForceRandomAddress(0, "dev0", 0x00ABCD); err != nil {
		t.Fatal(err)
	}
	if err := h.sim.ForceRandomAddress(0, "dev1", 0x00ABCD); err != nil {
		t.Fatal(err)
	}

	found, err := h.manager.FindAllLights(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("found %v, want one shared address", found)
	}
	devs, _ := h.sim.Devices(0)
	for _, d := range devs {
		if d.ShortAddress != found[0] {
			t.Fatalf("device %s at %d, want %d", d.ID, d.ShortAddress, found[0])
		}
	}
}

func TestFindNewLightsKeepsExisting(t *testing.T) {
	h := newHarness(t,
		bus.SimDeviceSpec{ID: "old", ShortAddress: 0},
		bus.SimDeviceSpec{ID: "fresh", ShortAddress: dali.UnaddressedShortAddress},
	)

	found, err := h.manager.FindNewLights(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0] != 1 {
		t.Fatalf("found = %v, want [1]", found)
	}
	if st := h.deviceState(t, "old"); st.ShortAddress != 0 {
		t.Fatalf("existing device moved to %d", st.ShortAddress)
	}
	if st := h.deviceState(t, "fresh"); st.ShortAddress != 1 {
		t.Fatalf("new device at %d, want 1", st.ShortAddress)
	}
	cfg := h.mustGetBus(t)
	if cfg.FindChannel(0) == nil || cfg.FindChannel(1) == nil {
		t.Fatal("store missing a light")
	}

	// Running again finds nothing: everything is addressed now.
	found, err = h.manager.FindNewLights(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("re-run found %v, want none", found)
	}
}

func TestDiscoverCancellation(t *testing.T) {
	h := newHarness(t, freshSpecs(3)...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop the session as soon as the first light lands.
	h.events.On(EventLightFound, func(Event) { cancel() })

	found, err := h.manager.FindAllLights(ctx, 0)
	var partial *PartialDiscoveryError
	if !errors.As(err, &partial) {
		t.Fatalf("got %v, want PartialDiscoveryError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cause = %v, want context.Canceled", err)
	}
	if len(found) != 1 || len(partial.Found) != 1 {
		t.Fatalf("found %v / %v, want exactly the first light", found, partial.Found)
	}

	// The programmed light is committed even though the session died.
	if h.mustGetBus(t).FindChannel(found[0]) == nil {
		t.Fatal("partial result not persisted")
	}

	// No device is left stuck in initialisation mode.
	devs, _ := h.sim.Devices(0)
	for _, d := range devs {
		if d.Initialising {
			t.Fatalf("device %s still initialising after cancel", d.ID)
		}
	}
}

func TestDiscoverRejectsConcurrentCommands(t *testing.T) {
	h := newHarness(t, bus.SimDeviceSpec{ID: "a", ShortAddress: 0})

	started := make(chan struct{})
	release := make(chan struct{})
	h.events.On(EventDiscoveryStarted, func(Event) {
		close(started)
		<-release
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.manager.FindNewLights(context.Background(), 0)
		done <- err
	}()

	<-started
	err := h.manager.SetLightBrightness(context.Background(), 0, 0, 100)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// Bus is usable again once discovery ends.
	if err := h.manager.SetLightBrightness(context.Background(), 0, 0, 100); err != nil {
		t.Fatal(err)
	}
}

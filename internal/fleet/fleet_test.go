package fleet

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/HerbHall/miningops/pkg/models"
)

func TestUpdateCreatesThenMutates(t *testing.T) {
	r := New(models.DeviceKindPush)
	addr := netip.MustParseAddr("10.0.0.5")

	_, created := r.Update(addr, func(d *models.DeviceState) { d.LastValidBlocks = 1 })
	if !created {
		t.Error("first Update created = false, want true")
	}
	got, created := r.Update(addr, func(d *models.DeviceState) { d.LastValidBlocks++ })
	if created {
		t.Error("second Update created = true, want false")
	}
	if got.LastValidBlocks != 2 {
		t.Errorf("LastValidBlocks = %d, want 2", got.LastValidBlocks)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if got.Kind != models.DeviceKindPush || got.Identity != addr {
		t.Errorf("state = %+v, want kind push identity %s", got, addr)
	}
}

func TestUpdateCannotChangeIdentity(t *testing.T) {
	r := New(models.DeviceKindPull)
	addr := netip.MustParseAddr("10.0.0.5")
	r.Update(addr, func(d *models.DeviceState) {
		d.Identity = netip.MustParseAddr("10.0.0.6")
		d.Kind = models.DeviceKindPush
	})
	got, ok := r.Get(addr)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Identity != addr || got.Kind != models.DeviceKindPull {
		t.Errorf("state = %+v, identity and kind must be fixed", got)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New(models.DeviceKindPush)
	addr := netip.MustParseAddr("10.0.0.5")
	r.Update(addr, func(d *models.DeviceState) {
		d.Latest.Values = map[string]any{"temperature": 50.0}
	})

	snap, _ := r.Get(addr)
	snap.Latest.Values["temperature"] = 99.0

	again, _ := r.Get(addr)
	if again.Latest.Values["temperature"] != 50.0 {
		t.Errorf("stored temperature = %v, want 50 (reader mutation leaked)", again.Latest.Values["temperature"])
	}

	r.Update(addr, func(d *models.DeviceState) { d.Latest.Values["temperature"] = 60.0 })
	if snap.Latest.Values["temperature"] != 99.0 {
		t.Error("writer mutation leaked into an earlier snapshot")
	}
}

func TestListOrderedByAddress(t *testing.T) {
	r := New(models.DeviceKindPull)
	for _, s := range []string{"10.0.0.20", "10.0.0.3", "10.0.0.100"} {
		r.Update(netip.MustParseAddr(s), func(*models.DeviceState) {})
	}
	want := []string{"10.0.0.3", "10.0.0.20", "10.0.0.100"}
	got := r.List()
	if len(got) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Identity.String() != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, got[i].Identity, want[i])
		}
	}
}

func TestUpdateAll(t *testing.T) {
	r := New(models.DeviceKindPush)
	for _, s := range []string{"10.0.0.1", "10.0.0.2"} {
		r.Update(netip.MustParseAddr(s), func(d *models.DeviceState) { d.Online = true })
	}

	changed := r.UpdateAll(func(d *models.DeviceState) bool {
		if d.Identity.String() != "10.0.0.2" {
			return false
		}
		d.Online = false
		return true
	})
	if len(changed) != 1 || changed[0].Identity.String() != "10.0.0.2" {
		t.Fatalf("changed = %+v, want only 10.0.0.2", changed)
	}
	if d, _ := r.Get(netip.MustParseAddr("10.0.0.1")); !d.Online {
		t.Error("untouched device went offline")
	}
	if d, _ := r.Get(netip.MustParseAddr("10.0.0.2")); d.Online {
		t.Error("updated device still online")
	}

	if got := r.UpdateAll(func(*models.DeviceState) bool { return false }); got != nil {
		t.Errorf("no-op UpdateAll returned %v, want nil", got)
	}
}

func TestDelete(t *testing.T) {
	r := New(models.DeviceKindPull)
	addr := netip.MustParseAddr("10.0.0.5")
	r.Update(addr, func(*models.DeviceState) {})

	if !r.Delete(addr) {
		t.Error("Delete() = false, want true")
	}
	if r.Delete(addr) {
		t.Error("second Delete() = true, want false")
	}
	if _, ok := r.Get(addr); ok {
		t.Error("Get() after Delete ok = true, want false")
	}
}

func TestConcurrentReadersDuringWrites(t *testing.T) {
	r := New(models.DeviceKindPush)
	addr := netip.MustParseAddr("10.0.0.5")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			r.Update(addr, func(d *models.DeviceState) {
				d.LastValidBlocks++
				d.Latest.Values = map[string]any{"n": float64(i)}
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if d, ok := r.Get(addr); ok {
				_ = d.Latest.Values["n"]
			}
			_ = r.List()
		}
	}()
	wg.Wait()

	d, _ := r.Get(addr)
	if d.LastValidBlocks != 1000 {
		t.Errorf("LastValidBlocks = %d, want 1000", d.LastValidBlocks)
	}
}

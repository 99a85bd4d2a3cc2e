package hwprobe

import (
	"testing"
	"time"

	"github.com/benaskins/powerd/internal/hwprobe/hwprobetest"
	"github.com/benaskins/powerd/internal/state"
)

func TestGraphicsClassifiesDevices(t *testing.T) {
	tree := hwprobetest.New()
	tree.IntelHybrid()
	tree.AddPCIDevice("0000:00:14.0", "on")

	g, err := New(tree.FS).Graphics()
	if err != nil {
		t.Fatalf("Graphics: %v", err)
	}
	if len(g.Integrated) != 1 || g.Integrated[0].Vendor != VendorIntel {
		t.Fatalf("expected one Intel integrated GPU, got %+v", g.Integrated)
	}
	if len(g.Discrete) != 1 {
		t.Fatalf("expected one discrete GPU, got %+v", g.Discrete)
	}
	dgpu := g.Discrete[0]
	if dgpu.Driver != "nvidia" || !dgpu.RuntimePM {
		t.Errorf("unexpected discrete device: %+v", dgpu)
	}
	if len(dgpu.Functions) != 2 {
		t.Errorf("expected GPU + audio functions, got %+v", dgpu.Functions)
	}
	if !g.Switchable() {
		t.Error("expected switchable")
	}
	if !g.RuntimePM() {
		t.Error("expected runtime PM support")
	}
}

func TestGraphicsNoPCI(t *testing.T) {
	g, err := New(hwprobetest.New().FS).Graphics()
	if err != nil {
		t.Fatalf("Graphics: %v", err)
	}
	if g.Switchable() {
		t.Error("empty tree cannot be switchable")
	}
}

func TestModeFromModules(t *testing.T) {
	tests := []struct {
		name    string
		modules []string
		prime   string
		want    state.Mode
	}{
		{"no nvidia", []string{"i915", "snd_hda_intel"}, "", state.ModeIntegrated},
		{"nvidia on", []string{"i915", "nvidia"}, "on", state.ModeDiscrete},
		{"nvidia no prime file", []string{"nvidia"}, "", state.ModeDiscrete},
		{"nouveau", []string{"nouveau"}, "", state.ModeDiscrete},
		{"on-demand", []string{"i915", "nvidia"}, "on-demand", state.ModeHybrid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := hwprobetest.New()
			tree.SetModules(tt.modules...)
			if tt.prime != "" {
				tree.Write(DefaultPrimeDiscretePath, tt.prime+"\n")
			}
			got, err := New(tree.FS).Mode()
			if err != nil {
				t.Fatalf("Mode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Mode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestModeMissingProcModules(t *testing.T) {
	if _, err := New(hwprobetest.New().FS).Mode(); err == nil {
		t.Error("expected error without /proc/modules")
	}
}

func TestDiscretePowered(t *testing.T) {
	tree := hwprobetest.New()
	tree.IntelHybrid()
	p := New(tree.FS)

	on, err := p.DiscretePowered()
	if err != nil || !on {
		t.Fatalf("expected powered, got %v, %v", on, err)
	}

	tree.FS.RemoveAll("/sys/bus/pci/devices/0000:01:00.0")
	tree.FS.RemoveAll("/sys/bus/pci/devices/0000:01:00.1")
	on, err = p.DiscretePowered()
	if err != nil || on {
		t.Fatalf("expected unpowered after removal, got %v, %v", on, err)
	}
}

func TestBootIDAndCapabilities(t *testing.T) {
	tree := hwprobetest.New()
	tree.IntelHybrid()
	tree.SetBootID("abc-123")
	tree.Write("/sys/firmware/acpi/platform_profile", "balanced")
	tree.Write("/sys/devices/system/cpu/intel_pstate/no_turbo", "0")

	p := New(tree.FS)
	id, err := p.BootID()
	if err != nil || id != "abc-123" {
		t.Errorf("BootID() = %q, %v", id, err)
	}

	caps := p.Capabilities()
	if !caps.PlatformProfile || !caps.IntelPState || !caps.RuntimePM {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
	if caps.Radeon {
		t.Error("no radeon device present")
	}
}

func TestPCIWrites(t *testing.T) {
	tree := hwprobetest.New()
	tree.IntelHybrid()
	bus := NewPCI(tree.FS, "/sys")
	fn := Function{Slot: "0000:01:00.0", Path: "/sys/bus/pci/devices/0000:01:00.0"}

	if err := bus.Unbind(fn, "nvidia"); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if got := tree.Read("/sys/bus/pci/drivers/nvidia/unbind"); got != "0000:01:00.0" {
		t.Errorf("unbind wrote %q", got)
	}
	if err := bus.Remove(fn); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := tree.Read(fn.Path + "/remove"); got != "1" {
		t.Errorf("remove wrote %q", got)
	}
	if err := bus.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if got := tree.Read("/sys/bus/pci/rescan"); got != "1" {
		t.Errorf("rescan wrote %q", got)
	}
}

func TestObserverCachesSnapshot(t *testing.T) {
	tree := hwprobetest.New()
	tree.IntelHybrid()
	tree.SetModules("i915", "nvidia")

	o := NewObserver(New(tree.FS), time.Hour)
	o.Refresh()

	snap := o.Snapshot()
	if !snap.Switchable || snap.Mode != state.ModeDiscrete || snap.DiscretePower != state.PowerOn {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	tree.SetModules("i915")
	if o.Snapshot().Mode != state.ModeDiscrete {
		t.Error("snapshot should be cached until refresh")
	}
	o.Refresh()
	if o.Snapshot().Mode != state.ModeIntegrated {
		t.Error("refresh should pick up new mode")
	}
}

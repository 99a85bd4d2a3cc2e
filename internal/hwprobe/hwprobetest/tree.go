// Package hwprobetest builds synthetic sysfs/procfs trees on an afero
// filesystem for tests.
package hwprobetest

import (
	"fmt"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// Tree writes fake kernel interfaces under /sys and /proc.
type Tree struct {
	FS afero.Fs
}

// New returns a Tree on a fresh in-memory filesystem.
func New() *Tree {
	return &Tree{FS: afero.NewMemMapFs()}
}

// GPU describes a display device to create.
type GPU struct {
	Slot      string
	VendorID  uint16
	DeviceID  uint16
	Driver    string
	RuntimePM bool
	// ExtraFunctions are sibling function numbers, e.g. "1" for HDMI audio.
	ExtraFunctions []string
}

// AddGPU creates the sysfs nodes for g and its sibling functions.
func (t *Tree) AddGPU(g GPU) {
	dir := path.Join("/sys/bus/pci/devices", g.Slot)
	t.write(path.Join(dir, "class"), "0x030000")
	t.write(path.Join(dir, "vendor"), fmt.Sprintf("0x%04x", g.VendorID))
	t.write(path.Join(dir, "device"), fmt.Sprintf("0x%04x", g.DeviceID))
	t.uevent(dir, g.Driver)
	if g.RuntimePM {
		t.write(path.Join(dir, "power/control"), "auto")
	}

	prefix, _, _ := strings.Cut(g.Slot, ".")
	for _, fn := range g.ExtraFunctions {
		fdir := path.Join("/sys/bus/pci/devices", prefix+"."+fn)
		t.write(path.Join(fdir, "class"), "0x040300")
		t.write(path.Join(fdir, "vendor"), fmt.Sprintf("0x%04x", g.VendorID))
		t.uevent(fdir, "snd_hda_intel")
	}
}

// AddPCIDevice creates a non-display PCI device with a runtime PM knob.
func (t *Tree) AddPCIDevice(slot, control string) {
	dir := path.Join("/sys/bus/pci/devices", slot)
	t.write(path.Join(dir, "class"), "0x0c0330")
	t.write(path.Join(dir, "vendor"), "0x8086")
	t.write(path.Join(dir, "power/control"), control)
}

// IntelHybrid is a typical Intel + NVIDIA laptop.
func (t *Tree) IntelHybrid() {
	t.AddGPU(GPU{Slot: "0000:00:02.0", VendorID: 0x8086, DeviceID: 0x9a49, Driver: "i915"})
	t.AddGPU(GPU{Slot: "0000:01:00.0", VendorID: 0x10de, DeviceID: 0x2520, Driver: "nvidia", RuntimePM: true, ExtraFunctions: []string{"1"}})
}

// SetModules writes /proc/modules with the given module names.
func (t *Tree) SetModules(names ...string) {
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s 16384 0 - Live 0x0000000000000000\n", n)
	}
	t.write("/proc/modules", b.String())
}

// SetBootID writes the kernel boot id.
func (t *Tree) SetBootID(id string) {
	t.write("/proc/sys/kernel/random/boot_id", id+"\n")
}

// Write creates a file with content, making parent directories.
func (t *Tree) Write(p, content string) {
	t.write(p, content)
}

// Read returns a file's content or "" when missing.
func (t *Tree) Read(p string) string {
	data, err := afero.ReadFile(t.FS, p)
	if err != nil {
		return ""
	}
	return string(data)
}

func (t *Tree) uevent(dir, driver string) {
	content := "PCI_SLOT_NAME=" + path.Base(dir) + "\n"
	if driver != "" {
		content = "DRIVER=" + driver + "\n" + content
	}
	t.write(path.Join(dir, "uevent"), content)
}

func (t *Tree) write(p, content string) {
	t.FS.MkdirAll(path.Dir(p), 0o755)
	if err := afero.WriteFile(t.FS, p, []byte(content), 0o644); err != nil {
		panic(err)
	}
}

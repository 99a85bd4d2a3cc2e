// Package hwprobe reads the live GPU and power configuration from sysfs and
// procfs. Everything goes through an afero.Fs rooted at "/" so tests can
// point the probe at a synthetic tree.
package hwprobe

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/benaskins/powerd/internal/state"
	"github.com/spf13/afero"
)

// DefaultPrimeDiscretePath holds the PRIME offload selection.
const DefaultPrimeDiscretePath = "/etc/prime-discrete"

const pciClassDisplay = 0x03

// Vendor identifies a GPU manufacturer.
type Vendor string

const (
	VendorIntel  Vendor = "intel"
	VendorAMD    Vendor = "amd"
	VendorNVIDIA Vendor = "nvidia"
	VendorOther  Vendor = "other"
)

func vendorFromID(id uint64) Vendor {
	switch id {
	case 0x8086:
		return VendorIntel
	case 0x1002:
		return VendorAMD
	case 0x10de:
		return VendorNVIDIA
	}
	return VendorOther
}

// Function is one PCI function belonging to a graphics device (the GPU
// itself, its HDMI audio, its USB-C controller, ...).
type Function struct {
	Slot string `json:"slot"`
	Path string `json:"-"`
}

// Device is a display-class PCI device and the functions sharing its slot.
type Device struct {
	Slot      string     `json:"slot"`
	Vendor    Vendor     `json:"vendor"`
	VendorID  string     `json:"vendor_id"`
	DeviceID  string     `json:"device_id,omitempty"`
	Driver    string     `json:"driver,omitempty"`
	RuntimePM bool       `json:"runtime_pm"`
	Functions []Function `json:"functions"`
}

// Graphics groups the display devices by role.
type Graphics struct {
	Integrated []Device `json:"integrated"`
	Discrete   []Device `json:"discrete"`
	Other      []Device `json:"other,omitempty"`
}

// Switchable reports whether both an integrated and a discrete GPU exist.
func (g Graphics) Switchable() bool {
	return len(g.Discrete) > 0 && len(g.Integrated) > 0
}

// RuntimePM reports whether every discrete device supports runtime power
// management.
func (g Graphics) RuntimePM() bool {
	if len(g.Discrete) == 0 {
		return false
	}
	for _, d := range g.Discrete {
		if !d.RuntimePM {
			return false
		}
	}
	return true
}

// Capabilities lists optional power-management interfaces present on this
// machine.
type Capabilities struct {
	RuntimePM       bool `json:"runtime_pm"`
	PlatformProfile bool `json:"platform_profile"`
	IntelPState     bool `json:"intel_pstate"`
	CPUFreq         bool `json:"cpufreq"`
	Radeon          bool `json:"radeon"`
}

// Probe reads hardware state.
type Probe struct {
	fs        afero.Fs
	sysRoot   string
	procRoot  string
	primePath string
	logger    *slog.Logger
}

// Option configures a Probe.
type Option func(*Probe)

// WithRoots overrides the /sys and /proc mount points.
func WithRoots(sysRoot, procRoot string) Option {
	return func(p *Probe) {
		p.sysRoot = sysRoot
		p.procRoot = procRoot
	}
}

// WithPrimeDiscretePath overrides the PRIME selection file.
func WithPrimeDiscretePath(path string) Option {
	return func(p *Probe) { p.primePath = path }
}

// New creates a Probe over fsys.
func New(fsys afero.Fs, opts ...Option) *Probe {
	p := &Probe{
		fs:        fsys,
		sysRoot:   "/sys",
		procRoot:  "/proc",
		primePath: DefaultPrimeDiscretePath,
		logger:    slog.With("component", "hwprobe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Probe) pciDevicesDir() string {
	return filepath.Join(p.sysRoot, "bus/pci/devices")
}

// Graphics enumerates display-class PCI devices.
func (p *Probe) Graphics() (Graphics, error) {
	entries, err := afero.ReadDir(p.fs, p.pciDevicesDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Graphics{}, nil
		}
		return Graphics{}, fmt.Errorf("listing PCI devices: %w", err)
	}

	slots := make([]string, 0, len(entries))
	for _, e := range entries {
		slots = append(slots, e.Name())
	}
	sort.Strings(slots)

	var g Graphics
	for _, slot := range slots {
		path := filepath.Join(p.pciDevicesDir(), slot)
		class, ok := readHex(p.fs, filepath.Join(path, "class"))
		if !ok || (class>>16)&0xff != pciClassDisplay {
			continue
		}
		vendorID, _ := readHex(p.fs, filepath.Join(path, "vendor"))
		deviceID, _ := readHex(p.fs, filepath.Join(path, "device"))

		dev := Device{
			Slot:      slot,
			Vendor:    vendorFromID(vendorID),
			VendorID:  fmt.Sprintf("%04x", vendorID),
			Driver:    p.driverName(path),
			RuntimePM: exists(p.fs, filepath.Join(path, "power/control")),
			Functions: functionsFor(slot, slots, p.pciDevicesDir()),
		}
		if deviceID != 0 {
			dev.DeviceID = fmt.Sprintf("%04x", deviceID)
		}
		p.logger.Debug("graphics device", "slot", slot, "vendor", dev.Vendor, "driver", dev.Driver)

		switch dev.Vendor {
		case VendorNVIDIA:
			g.Discrete = append(g.Discrete, dev)
		case VendorIntel, VendorAMD:
			g.Integrated = append(g.Integrated, dev)
		default:
			g.Other = append(g.Other, dev)
		}
	}
	return g, nil
}

// functionsFor returns every slot sharing the bus/device prefix of parent
// (0000:01:00.0 owns 0000:01:00.1, 0000:01:00.2, ...).
func functionsFor(parent string, slots []string, dir string) []Function {
	prefix, _, _ := strings.Cut(parent, ".")
	var fns []Function
	for _, s := range slots {
		if p, _, _ := strings.Cut(s, "."); p == prefix {
			fns = append(fns, Function{Slot: s, Path: filepath.Join(dir, s)})
		}
	}
	return fns
}

// Driver returns the kernel driver bound to fn, or "" when unbound.
func (p *Probe) Driver(fn Function) string {
	return p.driverName(fn.Path)
}

// driverName reads DRIVER= from the device's uevent file.
func (p *Probe) driverName(devicePath string) string {
	data, err := afero.ReadFile(p.fs, filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "DRIVER="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// LoadedModules lists kernel modules from /proc/modules.
func (p *Probe) LoadedModules() ([]string, error) {
	data, err := afero.ReadFile(p.fs, filepath.Join(p.procRoot, "modules"))
	if err != nil {
		return nil, fmt.Errorf("reading loaded modules: %w", err)
	}
	var mods []string
	for _, line := range strings.Split(string(data), "\n") {
		if name, _, _ := strings.Cut(line, " "); name != "" {
			mods = append(mods, name)
		}
	}
	return mods, nil
}

// Mode reports the graphics mode active in the running kernel: discrete or
// hybrid when an NVIDIA driver is loaded (hybrid when PRIME selects
// on-demand offload), integrated otherwise.
func (p *Probe) Mode() (state.Mode, error) {
	mods, err := p.LoadedModules()
	if err != nil {
		return "", err
	}
	nvidia := false
	for _, m := range mods {
		if m == "nvidia" || m == "nouveau" {
			nvidia = true
			break
		}
	}
	if !nvidia {
		return state.ModeIntegrated, nil
	}
	if ReadString(p.fs, p.primePath) == "on-demand" {
		return state.ModeHybrid, nil
	}
	return state.ModeDiscrete, nil
}

// DiscretePowered reports whether any function of a discrete GPU is present
// on the PCI bus. A removed device has no sysfs node.
func (p *Probe) DiscretePowered() (bool, error) {
	g, err := p.Graphics()
	if err != nil {
		return false, err
	}
	for _, d := range g.Discrete {
		for _, fn := range d.Functions {
			if exists(p.fs, fn.Path) {
				return true, nil
			}
		}
	}
	return false, nil
}

// BootID returns the kernel's per-boot random id.
func (p *Probe) BootID() (string, error) {
	path := filepath.Join(p.procRoot, "sys/kernel/random/boot_id")
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return "", fmt.Errorf("reading boot id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Capabilities reports optional power interfaces.
func (p *Probe) Capabilities() Capabilities {
	caps := Capabilities{
		PlatformProfile: exists(p.fs, filepath.Join(p.sysRoot, "firmware/acpi/platform_profile")),
		IntelPState:     exists(p.fs, filepath.Join(p.sysRoot, "devices/system/cpu/intel_pstate")),
		CPUFreq:         exists(p.fs, filepath.Join(p.sysRoot, "devices/system/cpu/cpu0/cpufreq")),
	}
	if g, err := p.Graphics(); err == nil {
		caps.RuntimePM = g.RuntimePM()
		for _, d := range append(g.Integrated, g.Other...) {
			if d.Driver == "radeon" || d.Driver == "amdgpu" {
				caps.Radeon = true
			}
		}
	}
	return caps
}

// ReadString returns the trimmed content of a small file, or "" on error.
func ReadString(fsys afero.Fs, path string) string {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readHex(fsys afero.Fs, path string) (uint64, bool) {
	v := ReadString(fsys, path)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}

func exists(fsys afero.Fs, path string) bool {
	ok, err := afero.Exists(fsys, path)
	return err == nil && ok
}

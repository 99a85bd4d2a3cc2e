package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// Subsystem applies one independent group of tunables. A subsystem whose
// kernel interfaces are absent applies nothing and succeeds.
type Subsystem interface {
	Name() string
	Apply(ctx context.Context, s Settings) error
}

// Subsystem names.
const (
	SubsystemCPU      = "cpu"
	SubsystemPCI      = "pci"
	SubsystemUSB      = "usb"
	SubsystemDisk     = "disk"
	SubsystemPlatform = "platform_profile"
	SubsystemRadeon   = "radeon"
)

type subsystem struct {
	name  string
	apply func(ctx context.Context, s Settings) error
}

func (s subsystem) Name() string { return s.name }

func (s subsystem) Apply(ctx context.Context, set Settings) error { return s.apply(ctx, set) }

// NewSubsystems returns the sysfs/procfs-backed subsystems rooted at
// sysRoot and procRoot on fsys.
func NewSubsystems(fsys afero.Fs, sysRoot, procRoot string) []Subsystem {
	k := &kernel{
		fs:     fsys,
		sys:    sysRoot,
		proc:   procRoot,
		logger: slog.With("component", "profile"),
	}
	return []Subsystem{
		subsystem{SubsystemCPU, k.applyCPU},
		subsystem{SubsystemPCI, k.applyPCI},
		subsystem{SubsystemUSB, k.applyUSB},
		subsystem{SubsystemDisk, k.applyDisk},
		subsystem{SubsystemPlatform, k.applyPlatform},
		subsystem{SubsystemRadeon, k.applyRadeon},
	}
}

type kernel struct {
	fs     afero.Fs
	sys    string
	proc   string
	logger *slog.Logger
}

func (k *kernel) applyCPU(_ context.Context, s Settings) error {
	var errs []error
	for _, p := range k.glob(k.sys, "devices/system/cpu/cpu[0-9]*/cpufreq/scaling_governor") {
		errs = append(errs, k.write(p, s.CPU.Governor))
	}
	if s.CPU.EnergyPerformancePreference != "" {
		for _, p := range k.glob(k.sys, "devices/system/cpu/cpu[0-9]*/cpufreq/energy_performance_preference") {
			errs = append(errs, k.write(p, s.CPU.EnergyPerformancePreference))
		}
	}

	pstate := filepath.Join(k.sys, "devices/system/cpu/intel_pstate")
	if k.exists(pstate) {
		minPath := filepath.Join(pstate, "min_perf_pct")
		maxPath := filepath.Join(pstate, "max_perf_pct")
		// The kernel rejects min > max, so order the writes by direction.
		curMin, _ := strconv.Atoi(k.read(minPath))
		if s.CPU.MaxPerfPct < curMin {
			errs = append(errs, k.write(minPath, strconv.Itoa(s.CPU.MinPerfPct)))
			errs = append(errs, k.write(maxPath, strconv.Itoa(s.CPU.MaxPerfPct)))
		} else {
			errs = append(errs, k.write(maxPath, strconv.Itoa(s.CPU.MaxPerfPct)))
			errs = append(errs, k.write(minPath, strconv.Itoa(s.CPU.MinPerfPct)))
		}
		errs = append(errs, k.write(filepath.Join(pstate, "no_turbo"), boolFlag(!s.CPU.Turbo)))
	}
	return errors.Join(errs...)
}

func (k *kernel) applyPCI(_ context.Context, s Settings) error {
	value := "on"
	if s.PCIRuntimePM {
		value = "auto"
	}
	var errs []error
	for _, p := range k.glob(k.sys, "bus/pci/devices/*/power/control") {
		errs = append(errs, k.write(p, value))
	}
	return errors.Join(errs...)
}

func (k *kernel) applyUSB(_ context.Context, s Settings) error {
	value := "on"
	if s.USB.Autosuspend {
		value = "auto"
	}
	delay := strconv.FormatInt(s.USB.Delay.Milliseconds(), 10)

	var errs []error
	for _, p := range k.glob(k.sys, "bus/usb/devices/*/power/control") {
		errs = append(errs, k.write(p, value))
		if s.USB.Autosuspend {
			d := filepath.Join(filepath.Dir(p), "autosuspend_delay_ms")
			if k.exists(d) {
				errs = append(errs, k.write(d, delay))
			}
		}
	}
	return errors.Join(errs...)
}

func (k *kernel) applyDisk(_ context.Context, s Settings) error {
	var errs []error
	for _, p := range k.glob(k.sys, "class/scsi_host/host*/link_power_management_policy") {
		errs = append(errs, k.write(p, s.Disk.SATALinkPower))
	}

	vm := filepath.Join(k.proc, "sys/vm")
	if k.exists(vm) {
		centisecs := strconv.FormatInt(int64(s.Disk.MaxLostWork.Seconds()*100), 10)
		errs = append(errs,
			k.write(filepath.Join(vm, "laptop_mode"), strconv.Itoa(s.Disk.LaptopMode)),
			k.write(filepath.Join(vm, "dirty_writeback_centisecs"), centisecs),
			k.write(filepath.Join(vm, "dirty_expire_centisecs"), centisecs),
		)
	}
	return errors.Join(errs...)
}

func (k *kernel) applyPlatform(_ context.Context, s Settings) error {
	path := filepath.Join(k.sys, "firmware/acpi/platform_profile")
	if s.PlatformProfile == "" || !k.exists(path) {
		return nil
	}
	if choices := k.read(path + "_choices"); choices != "" {
		if !slices.Contains(strings.Fields(choices), s.PlatformProfile) {
			return fmt.Errorf("platform profile %q not offered by firmware (choices: %s)", s.PlatformProfile, choices)
		}
	}
	return k.write(path, s.PlatformProfile)
}

func (k *kernel) applyRadeon(_ context.Context, s Settings) error {
	var errs []error
	for _, state := range k.glob(k.sys, "class/drm/card[0-9]*/device/power_dpm_state") {
		dev := filepath.Dir(state)
		if p := filepath.Join(dev, "power_profile"); k.exists(p) {
			errs = append(errs, k.write(p, s.Radeon.Profile))
		}
		errs = append(errs, k.write(state, s.Radeon.DPMState))
		if p := filepath.Join(dev, "power_dpm_force_performance_level"); k.exists(p) {
			errs = append(errs, k.write(p, s.Radeon.DPMPerf))
		}
	}
	return errors.Join(errs...)
}

func (k *kernel) glob(root, pattern string) []string {
	matches, err := afero.Glob(k.fs, filepath.Join(root, pattern))
	if err != nil {
		k.logger.Warn("bad glob pattern", "pattern", pattern, "error", err)
		return nil
	}
	return matches
}

// write replaces the content of an existing kernel attribute. Missing
// attributes are an error: they are only written after being discovered.
func (k *kernel) write(path, value string) error {
	f, err := k.fs.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.Write([]byte(value)); err != nil {
		f.Close()
		return fmt.Errorf("writing %q to %s: %w", value, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing %q to %s: %w", value, path, err)
	}
	return nil
}

func (k *kernel) read(path string) string {
	data, err := afero.ReadFile(k.fs, path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (k *kernel) exists(path string) bool {
	ok, err := afero.Exists(k.fs, path)
	return err == nil && ok
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Settings is the full tunable set for one profile.
type Settings struct {
	CPU             CPU    `yaml:"cpu"`
	PCIRuntimePM    bool   `yaml:"pci_runtime_pm"`
	USB             USB    `yaml:"usb"`
	Disk            Disk   `yaml:"disk"`
	PlatformProfile string `yaml:"platform_profile"` // empty leaves the firmware profile alone
	Radeon          Radeon `yaml:"radeon"`
}

type CPU struct {
	Governor                    string `yaml:"governor"`
	EnergyPerformancePreference string `yaml:"energy_performance_preference"`
	MinPerfPct                  int    `yaml:"min_perf_pct"` // intel_pstate only
	MaxPerfPct                  int    `yaml:"max_perf_pct"`
	Turbo                       bool   `yaml:"turbo"`
}

type USB struct {
	Autosuspend bool     `yaml:"autosuspend"`
	Delay       Duration `yaml:"delay"`
}

type Disk struct {
	SATALinkPower string   `yaml:"sata_link_power"`
	LaptopMode    int      `yaml:"laptop_mode"`
	MaxLostWork   Duration `yaml:"max_lost_work"` // dirty page writeback interval
}

type Radeon struct {
	Profile  string `yaml:"profile"`
	DPMState string `yaml:"dpm_state"`
	DPMPerf  string `yaml:"dpm_perf"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Definitions maps every profile to its settings.
type Definitions map[Profile]Settings

// Defaults returns the built-in definitions.
func Defaults() Definitions {
	return Definitions{
		Battery: {
			CPU:             CPU{Governor: "powersave", EnergyPerformancePreference: "power", MinPerfPct: 0, MaxPerfPct: 50, Turbo: false},
			PCIRuntimePM:    true,
			USB:             USB{Autosuspend: true, Delay: Duration{2 * time.Second}},
			Disk:            Disk{SATALinkPower: "med_power_with_dipm", LaptopMode: 2, MaxLostWork: Duration{15 * time.Second}},
			PlatformProfile: "low-power",
			Radeon:          Radeon{Profile: "low", DPMState: "battery", DPMPerf: "low"},
		},
		Balanced: {
			CPU:             CPU{Governor: "powersave", EnergyPerformancePreference: "balance_performance", MinPerfPct: 0, MaxPerfPct: 100, Turbo: true},
			PCIRuntimePM:    true,
			USB:             USB{Autosuspend: true, Delay: Duration{2 * time.Second}},
			Disk:            Disk{SATALinkPower: "med_power_with_dipm", LaptopMode: 0, MaxLostWork: Duration{15 * time.Second}},
			PlatformProfile: "balanced",
			Radeon:          Radeon{Profile: "auto", DPMState: "balanced", DPMPerf: "auto"},
		},
		Performance: {
			CPU:             CPU{Governor: "performance", EnergyPerformancePreference: "performance", MinPerfPct: 50, MaxPerfPct: 100, Turbo: true},
			PCIRuntimePM:    false,
			USB:             USB{Autosuspend: false, Delay: Duration{2 * time.Second}},
			Disk:            Disk{SATALinkPower: "max_performance", LaptopMode: 0, MaxLostWork: Duration{15 * time.Second}},
			PlatformProfile: "performance",
			Radeon:          Radeon{Profile: "high", DPMState: "performance", DPMPerf: "auto"},
		},
	}
}

// definitionsFile is the on-disk layout.
type definitionsFile struct {
	Profiles map[string]yaml.Node `yaml:"profiles"`
}

// LoadDefinitions reads profile overrides from path. Each profile block is
// decoded over the built-in settings, so omitted keys keep their defaults.
// A missing file yields the defaults.
func LoadDefinitions(fsys afero.Fs, path string) (Definitions, error) {
	defs := Defaults()

	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return defs, nil
		}
		return nil, fmt.Errorf("reading profiles %s: %w", path, err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing profiles %s: %w", path, err)
	}

	for name, node := range file.Profiles {
		p, err := Parse(name)
		if err != nil {
			return nil, fmt.Errorf("parsing profiles %s: %w", path, err)
		}
		s := defs[p]
		if err := node.Decode(&s); err != nil {
			return nil, fmt.Errorf("parsing profile %s in %s: %w", p, path, err)
		}
		defs[p] = s
	}

	if err := defs.Validate(); err != nil {
		return nil, fmt.Errorf("validating profiles %s: %w", path, err)
	}
	return defs, nil
}

var (
	sataPolicies     = []string{"min_power", "med_power_with_dipm", "medium_power", "max_performance"}
	platformProfiles = []string{"", "low-power", "cool", "quiet", "balanced", "balanced-performance", "performance"}
	radeonProfiles   = []string{"default", "auto", "low", "mid", "high"}
	radeonDPMStates  = []string{"battery", "balanced", "performance"}
	radeonDPMPerf    = []string{"auto", "low", "high"}
)

// Validate checks every profile's settings.
func (d Definitions) Validate() error {
	for _, p := range All {
		s, ok := d[p]
		if !ok {
			return fmt.Errorf("profile %s is not defined", p)
		}
		if err := s.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p, err)
		}
	}
	return nil
}

func (s Settings) validate() error {
	if s.CPU.Governor == "" {
		return fmt.Errorf("cpu.governor is required")
	}
	if s.CPU.MinPerfPct < 0 || s.CPU.MaxPerfPct > 100 || s.CPU.MinPerfPct > s.CPU.MaxPerfPct {
		return fmt.Errorf("cpu perf range %d-%d is invalid: need 0 <= min <= max <= 100", s.CPU.MinPerfPct, s.CPU.MaxPerfPct)
	}
	if s.USB.Delay.Duration < 0 {
		return fmt.Errorf("usb.delay must not be negative")
	}
	if !slices.Contains(sataPolicies, s.Disk.SATALinkPower) {
		return fmt.Errorf("disk.sata_link_power must be one of %v, got %q", sataPolicies, s.Disk.SATALinkPower)
	}
	if s.Disk.LaptopMode < 0 {
		return fmt.Errorf("disk.laptop_mode must not be negative")
	}
	if s.Disk.MaxLostWork.Duration < time.Second {
		return fmt.Errorf("disk.max_lost_work must be at least 1s")
	}
	if !slices.Contains(platformProfiles, s.PlatformProfile) {
		return fmt.Errorf("platform_profile %q is not a known ACPI platform profile", s.PlatformProfile)
	}
	if !slices.Contains(radeonProfiles, s.Radeon.Profile) {
		return fmt.Errorf("radeon.profile must be one of %v, got %q", radeonProfiles, s.Radeon.Profile)
	}
	if !slices.Contains(radeonDPMStates, s.Radeon.DPMState) {
		return fmt.Errorf("radeon.dpm_state must be one of %v, got %q", radeonDPMStates, s.Radeon.DPMState)
	}
	if !slices.Contains(radeonDPMPerf, s.Radeon.DPMPerf) {
		return fmt.Errorf("radeon.dpm_perf must be one of %v, got %q", radeonDPMPerf, s.Radeon.DPMPerf)
	}
	return nil
}

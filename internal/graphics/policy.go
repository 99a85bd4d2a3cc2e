package graphics

import (
	"strings"

	"github.com/benaskins/powerd/internal/state"
)

const (
	DefaultModprobePath    = "/etc/modprobe.d/powerd.conf"
	DefaultFallbackService = "nvidia-fallback.service"
)

const policyHeader = "# Generated by powerd. Changes are overwritten on the next mode switch.\n"

// primeSelection is the /etc/prime-discrete value for a mode.
func primeSelection(m state.Mode) string {
	switch m {
	case state.ModeDiscrete:
		return "on"
	case state.ModeHybrid:
		return "on-demand"
	}
	return "off"
}

// blockedModules are kept from loading at boot, by mode.
var blockedModules = map[state.Mode][]string{
	state.ModeIntegrated: {"i2c_nvidia_gpu", "nouveau", "nvidia", "nvidia-drm", "nvidia-modeset"},
	state.ModeHybrid:     {"i2c_nvidia_gpu"},
}

// modprobePolicy renders the modprobe.d file for a mode. Discrete mode
// blocks nothing.
func modprobePolicy(m state.Mode) string {
	var b strings.Builder
	b.WriteString(policyHeader)
	mods := blockedModules[m]
	for _, mod := range mods {
		b.WriteString("blacklist " + mod + "\n")
	}
	for _, mod := range mods {
		b.WriteString("alias " + mod + " off\n")
	}
	if m == state.ModeHybrid {
		b.WriteString("options nvidia NVreg_DynamicPowerManagement=0x02\n")
	}
	return b.String()
}

// wantsFallback reports whether the NVIDIA fallback unit should be enabled.
func wantsFallback(m state.Mode) bool {
	return m == state.ModeDiscrete
}

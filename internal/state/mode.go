package state

import (
	"fmt"
	"strings"
)

// Mode is a graphics configuration: which GPU renders the display.
type Mode string

const (
	ModeIntegrated Mode = "integrated"
	ModeDiscrete   Mode = "discrete"
	ModeHybrid     Mode = "hybrid"
)

// ParseMode accepts the canonical names plus the vendor aliases older
// clients send ("nvidia", "intel", "amd").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "integrated", "intel", "amd":
		return ModeIntegrated, nil
	case "discrete", "nvidia":
		return ModeDiscrete, nil
	case "hybrid", "on-demand":
		return ModeHybrid, nil
	}
	return "", fmt.Errorf("unknown graphics mode %q", s)
}

func (m Mode) Valid() bool {
	switch m {
	case ModeIntegrated, ModeDiscrete, ModeHybrid:
		return true
	}
	return false
}

// Power is the state of the discrete GPU's power rail.
type Power string

const (
	PowerOn      Power = "on"
	PowerOff     Power = "off"
	PowerUnknown Power = "unknown"
)

// ParsePower accepts on/off and the boolean spellings.
func ParsePower(s string) (Power, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return PowerOn, nil
	case "off", "false", "0":
		return PowerOff, nil
	}
	return "", fmt.Errorf("unknown power state %q", s)
}

// PowerFromBool maps a probed rail state to a Power.
func PowerFromBool(on bool) Power {
	if on {
		return PowerOn
	}
	return PowerOff
}

package profile

import (
	"fmt"
	"strings"
)

// Profile is a named set of power tunables.
type Profile string

const (
	Battery     Profile = "battery"
	Balanced    Profile = "balanced"
	Performance Profile = "performance"
)

// All lists the profiles in ascending priority.
var All = []Profile{Balanced, Battery, Performance}

// Parse accepts a profile name, case-insensitively.
func Parse(s string) (Profile, error) {
	p := Profile(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidProfile, s)
	}
	return p, nil
}

func (p Profile) Valid() bool {
	switch p {
	case Battery, Balanced, Performance:
		return true
	}
	return false
}

// priority orders profiles for hold resolution: a performance hold beats a
// battery hold, which beats having no preference.
func (p Profile) priority() int {
	switch p {
	case Performance:
		return 3
	case Battery:
		return 2
	case Balanced:
		return 1
	}
	return 0
}

// Higher returns whichever of a and b wins under the hold priority rule.
func Higher(a, b Profile) Profile {
	if b.priority() > a.priority() {
		return b
	}
	return a
}

package authz

import (
	"context"
	"fmt"
	"os/user"
	"slices"
	"strconv"
)

// Static allows root and members of AllowGroups. Everyone else is denied,
// or asked to authenticate when Interactive is set.
type Static struct {
	AllowGroups []string
	Interactive bool

	// Groups resolves a uid's group names. Defaults to the system database.
	Groups func(uid uint32) ([]string, error)
}

func (s *Static) Check(_ context.Context, caller Caller, _ Action) (Decision, error) {
	if caller.UID == 0 {
		return Allow, nil
	}
	lookup := s.Groups
	if lookup == nil {
		lookup = systemGroups
	}
	groups, err := lookup(caller.UID)
	if err != nil {
		return Deny, err
	}
	for _, g := range groups {
		if slices.Contains(s.AllowGroups, g) {
			return Allow, nil
		}
	}
	if s.Interactive {
		return RequiresInteractiveAuth, nil
	}
	return Deny, nil
}

func systemGroups(uid uint32) ([]string, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("looking up uid %d: %w", uid, err)
	}
	gids, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("listing groups of %s: %w", u.Username, err)
	}
	names := make([]string, 0, len(gids))
	for _, gid := range gids {
		if g, err := user.LookupGroupId(gid); err == nil {
			names = append(names, g.Name)
		}
	}
	return names, nil
}

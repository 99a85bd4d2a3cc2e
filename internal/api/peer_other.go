//go:build !linux

package api

import (
	"errors"
	"net"

	"github.com/benaskins/powerd/internal/authz"
)

// peerCredentials is only implemented for Linux; mutating requests are
// refused elsewhere.
func peerCredentials(net.Conn) (authz.Caller, error) {
	return authz.Caller{}, errors.New("peer credentials are not supported on this platform")
}

// Package target models the immutable identity of a remote system to
// automate: the credentials and network parameters the Container Manager
// needs to launch a sandbox against it.
package target

import (
	"time"

	"github.com/google/uuid"
)

// Target is the identity of a remote system to automate. Its type
// determines the sandbox image parameters the Container Manager selects.
type Target struct {
	ID         uuid.UUID
	Name       string
	Type       string // e.g. "vnc", "rdp", "vnc+tailscale", "rdp+openvpn"
	Host       string
	Port       *int
	Username   *string
	Password   string
	VPNConfig  *string
	VPNUser    *string
	VPNPass    *string
	Width      int
	Height     int
	RDPParams  []byte // JSON, opaque to this package
	IsArchived bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ClientAndVPNType splits Type on the first "_" or "+" separator, matching
// how the Container Manager derives REMOTE_CLIENT_TYPE/REMOTE_VPN_TYPE env
// vars for session provisioning (§4.7).
func (t Target) ClientAndVPNType() (clientType, vpnType string) {
	for i, r := range t.Type {
		if r == '_' || r == '+' {
			return t.Type[:i], t.Type[i+1:]
		}
	}
	return t.Type, ""
}

// UsesOpenVPN reports whether this target's sandbox needs NET_ADMIN/NET_RAW
// capabilities and a /dev/net/tun device, per the Container Manager's launch
// rule (§4.6).
func (t Target) UsesOpenVPN() bool {
	_, vpnType := t.ClientAndVPNType()
	return vpnType == "openvpn"
}

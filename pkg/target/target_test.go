package target

import "testing"

func TestClientAndVPNType(t *testing.T) {
	tests := []struct {
		typ        string
		wantClient string
		wantVPN    string
	}{
		{"vnc", "vnc", ""},
		{"vnc+tailscale", "vnc", "tailscale"},
		{"rdp_openvpn", "rdp", "openvpn"},
		{"rdp+openvpn", "rdp", "openvpn"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			tg := Target{Type: tt.typ}
			client, vpn := tg.ClientAndVPNType()
			if client != tt.wantClient || vpn != tt.wantVPN {
				t.Errorf("ClientAndVPNType(%q) = (%q, %q), want (%q, %q)",
					tt.typ, client, vpn, tt.wantClient, tt.wantVPN)
			}
		})
	}
}

func TestUsesOpenVPN(t *testing.T) {
	if (Target{Type: "rdp+openvpn"}).UsesOpenVPN() != true {
		t.Error("expected rdp+openvpn to use OpenVPN")
	}
	if (Target{Type: "vnc+tailscale"}).UsesOpenVPN() != false {
		t.Error("expected vnc+tailscale not to use OpenVPN")
	}
}

package reconcile

import (
	"testing"

	"github.com/pterosync/pterosync/pkg/pterodactyl"
	"github.com/pterosync/pterosync/pkg/unifi"
)

func TestTargetResolver_Precedence(t *testing.T) {
	resolver := TargetResolver{
		IPMap: map[string]string{
			"198.51.100.10": "10.0.1.10",
			"198.51.100.20": "10.0.1.20",
		},
		DefaultIP: "10.0.1.1",
	}

	cases := []struct {
		name  string
		alloc pterodactyl.Allocation
		want  string
	}{
		{"external ip match", pterodactyl.Allocation{IP: "198.51.100.10"}, "10.0.1.10"},
		{"alias match", pterodactyl.Allocation{IP: "203.0.113.1", Alias: "198.51.100.20"}, "10.0.1.20"},
		{"external ip wins over alias", pterodactyl.Allocation{IP: "198.51.100.10", Alias: "198.51.100.20"}, "10.0.1.10"},
		{"default fallback", pterodactyl.Allocation{IP: "203.0.113.1"}, "10.0.1.1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := resolver.Resolve(tc.alloc)
			if !ok {
				t.Fatalf("Resolve returned not ok")
			}
			if got != tc.want {
				t.Errorf("Resolve = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTargetResolver_NoTarget(t *testing.T) {
	resolver := TargetResolver{
		IPMap: map[string]string{"198.51.100.10": "10.0.1.10"},
	}

	if target, ok := resolver.Resolve(pterodactyl.Allocation{IP: "203.0.113.1"}); ok {
		t.Errorf("Resolve = %q, want not ok", target)
	}
}

func TestBuildDesiredRule(t *testing.T) {
	policy := Policy{
		Prefix:      "ptero-alloc-",
		Protocol:    unifi.ProtocolTCPUDP,
		Source:      "any",
		Destination: "any",
		WANIP:       "203.0.113.7",
	}
	alloc := pterodactyl.Allocation{ID: 101, IP: "198.51.100.10", Port: 25565}

	rule := BuildDesiredRule(alloc, "10.0.1.10", policy)

	if rule.Name != "ptero-alloc-101" {
		t.Errorf("Name = %q", rule.Name)
	}
	if !rule.Enabled {
		t.Error("desired rule must be enabled")
	}
	if rule.DstPort != "25565" || rule.FwdPort != "25565" {
		t.Errorf("ports = %q/%q, want 25565/25565", rule.DstPort, rule.FwdPort)
	}
	if rule.Fwd != "10.0.1.10" {
		t.Errorf("Fwd = %q", rule.Fwd)
	}
	if rule.Proto != unifi.ProtocolTCPUDP || rule.Src != "any" || rule.Dst != "any" || rule.WANIP != "203.0.113.7" {
		t.Errorf("policy fields not applied: %+v", rule)
	}
}

package reconcile

import (
	"strconv"

	"github.com/pterosync/pterosync/pkg/pterodactyl"
	"github.com/pterosync/pterosync/pkg/unifi"
)

// Policy holds the static rule attributes applied to every allocation.
type Policy struct {
	Prefix      string
	Protocol    string
	Source      string
	Destination string
	WANIP       string
}

// TargetResolver maps an allocation to the internal IP its rule should
// forward to.
type TargetResolver struct {
	IPMap     map[string]string
	DefaultIP string
}

// Resolve returns the internal target IP for an allocation. The explicit map
// is consulted with the allocation's external IP first, then its alias; with
// no match the default target IP applies. ok=false means the allocation has
// no usable target and must be skipped for this cycle.
func (r TargetResolver) Resolve(alloc pterodactyl.Allocation) (string, bool) {
	if target, ok := r.IPMap[alloc.IP]; ok {
		return target, true
	}
	if alloc.Alias != "" {
		if target, ok := r.IPMap[alloc.Alias]; ok {
			return target, true
		}
	}
	if r.DefaultIP != "" {
		return r.DefaultIP, true
	}
	return "", false
}

// BuildDesiredRule computes the rule an allocation should be represented by.
// It is recomputed every cycle and doubles as the drift comparison target.
func BuildDesiredRule(alloc pterodactyl.Allocation, targetIP string, policy Policy) unifi.Rule {
	port := strconv.Itoa(alloc.Port)
	return unifi.Rule{
		Name:    RuleName(policy.Prefix, alloc.ID),
		Enabled: true,
		Proto:   policy.Protocol,
		DstPort: port,
		FwdPort: port,
		Fwd:     targetIP,
		Src:     policy.Source,
		Dst:     policy.Destination,
		WANIP:   policy.WANIP,
	}
}

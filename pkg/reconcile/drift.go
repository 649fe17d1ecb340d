package reconcile

import "github.com/pterosync/pterosync/pkg/unifi"

// orAny treats an absent WAN IP binding as "any" for comparison.
func orAny(value string) string {
	if value == "" {
		return "any"
	}
	return value
}

// IsRuleOutOfSync reports whether a stored rule diverges from its desired
// state in any reconciled field.
//
// The enabled check is deliberately one-directional: a disabled rule that
// should be enabled is drift, but an enabled rule is never flagged for being
// enabled. Reconciliation therefore never disables a rule it created.
func IsRuleOutOfSync(current, desired unifi.Rule) bool {
	if current.Fwd != desired.Fwd {
		return true
	}
	if unifi.CanonicalPort(current.FwdPort) != unifi.CanonicalPort(desired.FwdPort) {
		return true
	}
	if unifi.CanonicalPort(current.DstPort) != unifi.CanonicalPort(desired.DstPort) {
		return true
	}
	if !current.Enabled && desired.Enabled {
		return true
	}
	if current.Proto != desired.Proto {
		return true
	}
	if current.Src != desired.Src {
		return true
	}
	if current.Dst != desired.Dst {
		return true
	}
	if orAny(current.WANIP) != orAny(desired.WANIP) {
		return true
	}
	return false
}

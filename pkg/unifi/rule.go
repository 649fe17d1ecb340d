package unifi

import (
	"strconv"
	"strings"
)

// Protocol policy values used throughout the service. The controller's wire
// format spells the dual protocol differently, see protoToWire/protoFromWire.
const (
	ProtocolTCP    = "tcp"
	ProtocolUDP    = "udp"
	ProtocolTCPUDP = "tcp_udp"
)

// Rule is a port-forward entry on the controller.
//
// Raw retains the decoded wire payload so updates can round-trip fields this
// service does not model.
type Rule struct {
	ID      string
	Name    string
	Enabled bool
	Proto   string
	DstPort string
	FwdPort string
	Fwd     string
	Src     string
	Dst     string
	WANIP   string
	SiteID  string
	Raw     map[string]any
}

// protoToWire serializes a protocol policy value for the controller.
func protoToWire(proto string) string {
	if proto == ProtocolTCPUDP {
		return "both"
	}
	return proto
}

// protoFromWire normalizes a controller protocol value. The dual protocol has
// been spelled two ways across controller versions; unrecognized values
// normalize to tcp.
func protoFromWire(wire string) string {
	switch wire {
	case ProtocolTCP, ProtocolUDP:
		return wire
	case "both", "tcp_udp":
		return ProtocolTCPUDP
	default:
		return ProtocolTCP
	}
}

// CanonicalPort normalizes a port value to a plain decimal string so ports
// can be compared regardless of whether the wire carried them as strings or
// numbers.
func CanonicalPort(value string) string {
	trimmed := strings.TrimSpace(value)
	if n, err := strconv.Atoi(trimmed); err == nil {
		return strconv.Itoa(n)
	}
	return trimmed
}

// portString extracts a port from a decoded JSON value of either type.
func portString(value any) string {
	switch v := value.(type) {
	case string:
		return CanonicalPort(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// stringField reads a string field from a decoded payload, returning "" when
// absent or of an unexpected type.
func stringField(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}

// ruleFromRaw maps a decoded wire payload into a Rule, retaining the payload.
func ruleFromRaw(raw map[string]any) Rule {
	enabled, _ := raw["enabled"].(bool)
	return Rule{
		ID:      stringField(raw, "_id"),
		Name:    stringField(raw, "name"),
		Enabled: enabled,
		Proto:   protoFromWire(stringField(raw, "proto")),
		DstPort: portString(raw["dst_port"]),
		FwdPort: portString(raw["fwd_port"]),
		Fwd:     stringField(raw, "fwd"),
		Src:     stringField(raw, "src"),
		Dst:     stringField(raw, "dst"),
		WANIP:   stringField(raw, "wanip"),
		SiteID:  stringField(raw, "site_id"),
		Raw:     raw,
	}
}

// payload builds the wire body for creating or updating this rule.
func (r Rule) payload() map[string]any {
	return map[string]any{
		"name":     r.Name,
		"enabled":  r.Enabled,
		"proto":    protoToWire(r.Proto),
		"dst_port": r.DstPort,
		"fwd_port": r.FwdPort,
		"fwd":      r.Fwd,
		"src":      r.Src,
		"dst":      r.Dst,
		"wanip":    r.WANIP,
		"site_id":  r.SiteID,
	}
}

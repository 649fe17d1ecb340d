package reconcile

import (
	"strconv"
	"strings"
)

// RuleName builds the controller rule name that marks a rule as owned by this
// service and addressable by allocation id.
func RuleName(prefix string, allocationID int) string {
	return prefix + strconv.Itoa(allocationID)
}

// ParseAllocationID recovers the allocation id from a rule name. It returns
// ok=false when the name does not carry the prefix or when the remainder is
// not a canonical non-negative decimal integer. Leading zeros are rejected so
// two distinct names can never map to the same id.
func ParseAllocationID(prefix, name string) (int, bool) {
	suffix, found := strings.CutPrefix(name, prefix)
	if !found || suffix == "" {
		return 0, false
	}
	if len(suffix) > 1 && suffix[0] == '0' {
		return 0, false
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return id, true
}

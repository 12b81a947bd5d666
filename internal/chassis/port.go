// Package chassis maps host-reserved port resources to appliance
// (module, port) addresses.
package chassis

import (
	"cmp"
	"fmt"
	"slices"
)

// Port identifies a port on the appliance by module (slot) and port number.
// Port is comparable and safe to use as a map key.
type Port struct {
	Module int `json:"module"`
	Port   int `json:"port"`
}

func (p Port) String() string {
	return fmt.Sprintf("M%d/P%d", p.Module, p.Port)
}

// Compare orders ports by module, then port.
func Compare(a, b Port) int {
	if c := cmp.Compare(a.Module, b.Module); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// SameSet reports whether a and b hold the same ports, ignoring order and
// duplicates.
func SameSet(a, b []Port) bool {
	sa, sb := Set(a), Set(b)
	if len(sa) != len(sb) {
		return false
	}
	for p := range sa {
		if _, ok := sb[p]; !ok {
			return false
		}
	}
	return true
}

// Set returns ports as a set.
func Set(ports []Port) map[Port]struct{} {
	s := make(map[Port]struct{}, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

// Subtract returns the ports of a that are not in b, preserving a's order.
func Subtract(a, b []Port) []Port {
	exclude := Set(b)
	var out []Port
	for _, p := range a {
		if _, ok := exclude[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Sorted returns a sorted copy of ports.
func Sorted(ports []Port) []Port {
	out := slices.Clone(ports)
	slices.SortFunc(out, Compare)
	return out
}

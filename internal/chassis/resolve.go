package chassis

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// ReservedPort is a port resource reserved by the host for a reservation.
type ReservedPort struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	LogicalName string `json:"logical_name"`
}

// PortMap maps a lower-cased logical port name to its appliance port.
type PortMap map[string]Port

// Lookup finds the port for a logical name, ignoring case and surrounding
// whitespace.
func (m PortMap) Lookup(logicalName string) (Port, bool) {
	p, ok := m[NormalizeName(logicalName)]
	return p, ok
}

// NormalizeName returns the map key for a logical port name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Resolve builds the PortMap for the ports that live on the chassis at
// chassisAddress. A port matches when its address is
// "<chassisAddress>/M<module>/P<port>". Ports on other chassis, ports with a
// malformed address and ports without a logical name are skipped.
//
// A logical name used by more than one port resolves to the last one seen.
func Resolve(chassisAddress string, ports []ReservedPort, logger *log.Logger) PortMap {
	re := addressPattern(chassisAddress)
	out := make(PortMap)
	for _, rp := range ports {
		m := re.FindStringSubmatch(strings.TrimSpace(rp.Address))
		if m == nil {
			continue
		}
		key := NormalizeName(rp.LogicalName)
		if key == "" {
			continue
		}
		module, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		p := Port{Module: module, Port: port}
		if prev, dup := out[key]; dup && logger != nil {
			logger.Warn("duplicate logical name, later port wins",
				"logical_name", key, "previous", prev, "port", p, "resource", rp.Name)
		}
		out[key] = p
	}
	return out
}

func addressPattern(chassisAddress string) *regexp.Regexp {
	base := strings.TrimRight(strings.TrimSpace(chassisAddress), "/")
	return regexp.MustCompile(`^` + regexp.QuoteMeta(base) + `/M(\d+)/P(\d+)$`)
}

// Package reservation turns the interfaces a test needs into appliance ports
// reserved for one host reservation.
package reservation

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/hopboxdev/bpshell/internal/chassis"
	"github.com/hopboxdev/bpshell/internal/testmodel"
)

// PortSource lists the port resources the host reserved for a reservation.
type PortSource interface {
	ReservedPorts(ctx context.Context, reservationID string) ([]chassis.ReservedPort, error)
}

// Allocator hands out test groups. *groupalloc.Allocator implements it.
type Allocator interface {
	Reserve(ctx context.Context, reservationID string, ports []chassis.Port) (int, error)
	Unreserve(ctx context.Context, reservationID string) error
}

// ResolutionError reports a test interface that cannot be mapped to a port
// reserved for the reservation.
type ResolutionError struct {
	Interface   int
	LogicalName string // empty when the network does not define the interface
	Network     string
}

func (e *ResolutionError) Error() string {
	if e.LogicalName == "" {
		return fmt.Sprintf("interface %d is not defined in network %q", e.Interface, e.Network)
	}
	return fmt.Sprintf("interface %d (%s) has no port reserved in the reservation", e.Interface, e.LogicalName)
}

// Helper tracks the test group and ports held by one reservation.
type Helper struct {
	reservationID  string
	chassisAddress string
	interfaces     testmodel.NetworkQuery
	ports          PortSource
	alloc          Allocator
	logger         *log.Logger

	mu       sync.Mutex
	group    int
	reserved []chassis.Port
}

// New returns a Helper for reservationID. Only host ports on the chassis at
// chassisAddress are considered.
func New(reservationID, chassisAddress string, interfaces testmodel.NetworkQuery, ports PortSource, alloc Allocator, logger *log.Logger) *Helper {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Helper{
		reservationID:  reservationID,
		chassisAddress: chassisAddress,
		interfaces:     interfaces,
		ports:          ports,
		alloc:          alloc,
		logger:         logger.With("reservation", reservationID),
	}
}

// ReservationID returns the reservation the helper works for.
func (h *Helper) ReservationID() string { return h.reservationID }

// GroupID returns the held test group, or 0.
func (h *Helper) GroupID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.group
}

// ReservedPorts returns the held ports in interface order.
func (h *Helper) ReservedPorts() []chassis.Port {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.reserved)
}

// ReservePorts reserves the ports behind the given test interfaces of
// network and returns the test group they were placed in.
//
// Interfaces are resolved in ascending order. An interface the network does
// not define, or whose logical name has no port in the reservation, fails
// with *ResolutionError before anything is reserved. When the allocator
// fails, everything the reservation holds is released.
func (h *Helper) ReservePorts(ctx context.Context, network string, interfaces []int) (int, error) {
	ifaceMap, err := testmodel.Resolve(ctx, h.interfaces, network)
	if err != nil {
		return 0, err
	}
	hostPorts, err := h.ports.ReservedPorts(ctx, h.reservationID)
	if err != nil {
		return 0, fmt.Errorf("reserved ports: %w", err)
	}
	portMap := chassis.Resolve(h.chassisAddress, hostPorts, h.logger)

	order := slices.Clone(interfaces)
	slices.Sort(order)
	order = slices.Compact(order)

	wanted := make([]chassis.Port, 0, len(order))
	for _, n := range order {
		name, ok := ifaceMap[n]
		if !ok || chassis.NormalizeName(name) == "" {
			return 0, &ResolutionError{Interface: n, Network: network}
		}
		p, ok := portMap.Lookup(name)
		if !ok {
			return 0, &ResolutionError{Interface: n, LogicalName: name, Network: network}
		}
		wanted = append(wanted, p)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	group, err := h.alloc.Reserve(ctx, h.reservationID, wanted)
	if err != nil {
		if uerr := h.alloc.Unreserve(ctx, h.reservationID); uerr != nil {
			h.logger.Error("release after failed reserve", "err", uerr)
		}
		h.group, h.reserved = 0, nil
		return 0, err
	}
	h.group, h.reserved = group, wanted
	h.logger.Info("ports reserved", "network", network, "group", group, "ports", wanted)
	return group, nil
}

// UnreservePorts releases the reservation's group and ports.
func (h *Helper) UnreservePorts(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.alloc.Unreserve(ctx, h.reservationID); err != nil {
		return err
	}
	h.group, h.reserved = 0, nil
	return nil
}

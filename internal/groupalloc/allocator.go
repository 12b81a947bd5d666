// Package groupalloc allocates BreakingPoint test groups to reservations.
//
// An appliance has a fixed pool of test groups (1..12). Each group binds a
// set of physical ports for the test that runs on it. The Allocator hands a
// group to at most one reservation at a time, keeps every port exclusive to
// one reservation, and reconciles the appliance's group membership with the
// ports a reservation asks for.
//
// One Allocator must be shared by every session that talks to the same
// appliance.
package groupalloc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hopboxdev/bpshell/internal/chassis"
)

// Test group range supported by the appliance.
const (
	GroupMin = 1
	GroupMax = 12
)

// ErrPoolExhausted is returned when every test group is taken.
var ErrPoolExhausted = errors.New("no test group available")

// PortConflictError is returned when a requested port is held by another
// reservation.
type PortConflictError struct {
	Port        chassis.Port
	Owner       string
	Reservation string
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %s is reserved by %s", e.Port, e.Owner)
}

// PortState is one port as reported by the appliance. Group is 0 when the
// port is not in any test group.
type PortState struct {
	Port  chassis.Port
	Group int
}

// Appliance is the subset of the appliance API the allocator drives.
type Appliance interface {
	PortStatus(ctx context.Context) ([]PortState, error)
	ReservePorts(ctx context.Context, group int, ports []chassis.Port) error
	UnreservePorts(ctx context.Context, ports []chassis.Port) error
}

// GroupInfo describes a group owned by a reservation.
type GroupInfo struct {
	Group       int            `json:"group"`
	Reservation string         `json:"reservation"`
	Ports       []chassis.Port `json:"ports"`
}

type holding struct {
	group int
	ports []chassis.Port // current appliance membership, in request order
}

// Allocator owns the test group pool of one appliance.
type Allocator struct {
	appliance Appliance
	logger    *log.Logger
	metrics   *metrics

	mu     sync.Mutex
	groups [GroupMax + 1]string    // group -> reservation; index 0 unused
	ports  map[chassis.Port]string // port -> reservation
	held   map[string]*holding     // reservation -> group and ports
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the allocator's logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithRegisterer registers the allocator's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Allocator) { a.metrics = newMetrics(reg) }
}

// New creates an allocator for appliance.
func New(appliance Appliance, opts ...Option) *Allocator {
	a := &Allocator{
		appliance: appliance,
		ports:     make(map[chassis.Port]string),
		held:      make(map[string]*holding),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = log.New(io.Discard)
	}
	if a.metrics == nil {
		a.metrics = newMetrics(nil)
	}
	return a
}

// Reserve gives reservationID a test group whose membership is exactly
// ports, and returns the group.
//
// A group already owned by the reservation is reused and its membership
// updated. Otherwise the lowest group whose appliance membership already
// equals ports is adopted, and failing that the lowest group that is neither
// owned nor populated on the appliance is taken.
//
// A port held by another reservation fails with *PortConflictError. Ports
// claimed earlier in the same call are not released; the caller must call
// Unreserve.
func (a *Allocator) Reserve(ctx context.Context, reservationID string, ports []chassis.Port) (int, error) {
	if reservationID == "" {
		return 0, errors.New("reservation id is required")
	}
	ports = dedupe(ports)

	// Only a reservation without a group needs the appliance's view to pick
	// one. The snapshot is taken unlocked and may be stale by the time the
	// decision is made.
	var members map[int][]chassis.Port
	if !a.owns(reservationID) {
		status, err := a.appliance.PortStatus(ctx)
		if err != nil {
			return 0, fmt.Errorf("port status: %w", err)
		}
		members = groupMembers(status)
	}

	group, current, err := a.claim(reservationID, ports, members)
	if err != nil {
		return 0, err
	}

	release := chassis.Subtract(current, ports)
	if len(release) > 0 {
		if err := a.appliance.UnreservePorts(ctx, release); err != nil {
			a.metrics.applianceOps.WithLabelValues("unreserve_failed").Inc()
			a.settle(reservationID, current)
			a.dropIfEmpty(reservationID)
			return 0, fmt.Errorf("unreserve %v from group %d: %w", release, group, err)
		}
		a.metrics.applianceOps.WithLabelValues("unreserve").Inc()
		current = chassis.Subtract(current, release)
		a.logger.Debug("released ports from group", "reservation", reservationID, "group", group, "ports", release)
	}

	add := chassis.Subtract(ports, current)
	if len(add) > 0 {
		if err := a.appliance.ReservePorts(ctx, group, add); err != nil {
			a.metrics.applianceOps.WithLabelValues("reserve_failed").Inc()
			a.settle(reservationID, current)
			a.dropIfEmpty(reservationID)
			return 0, fmt.Errorf("reserve %v in group %d: %w", add, group, err)
		}
		a.metrics.applianceOps.WithLabelValues("reserve").Inc()
		a.logger.Debug("reserved ports in group", "reservation", reservationID, "group", group, "ports", add)
	}

	a.settle(reservationID, ports)
	a.logger.Info("test group reserved", "reservation", reservationID, "group", group, "ports", ports)
	return group, nil
}

// Unreserve releases the reservation's ports on the appliance and gives its
// ports and group back to the pool. It is a no-op for a reservation that
// holds nothing.
func (a *Allocator) Unreserve(ctx context.Context, reservationID string) error {
	a.mu.Lock()
	var ports []chassis.Port
	if h, ok := a.held[reservationID]; ok {
		ports = slices.Clone(h.ports)
	}
	a.mu.Unlock()

	// Ports stay claimed until the appliance has let go of them.
	if len(ports) > 0 {
		if err := a.appliance.UnreservePorts(ctx, ports); err != nil {
			a.metrics.applianceOps.WithLabelValues("unreserve_failed").Inc()
			return fmt.Errorf("unreserve %v: %w", ports, err)
		}
		a.metrics.applianceOps.WithLabelValues("unreserve").Inc()
	}

	a.Forget(reservationID)
	return nil
}

// Forget drops everything the allocator holds for reservationID without
// touching the appliance.
func (a *Allocator) Forget(reservationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	released := 0
	for p, owner := range a.ports {
		if owner == reservationID {
			delete(a.ports, p)
			released++
		}
	}
	for g := GroupMin; g <= GroupMax; g++ {
		if a.groups[g] == reservationID {
			a.groups[g] = ""
		}
	}
	_, had := a.held[reservationID]
	delete(a.held, reservationID)
	a.updateGauges()

	if had || released > 0 {
		a.logger.Info("reservation released", "reservation", reservationID, "ports", released)
	}
}

// Holding returns the group and ports reservationID currently holds.
func (a *Allocator) Holding(reservationID string) (int, []chassis.Port, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.held[reservationID]
	if !ok {
		return 0, nil, false
	}
	return h.group, slices.Clone(h.ports), true
}

// Snapshot lists the owned groups in ascending order.
func (a *Allocator) Snapshot() []GroupInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []GroupInfo
	for g := GroupMin; g <= GroupMax; g++ {
		owner := a.groups[g]
		if owner == "" {
			continue
		}
		info := GroupInfo{Group: g, Reservation: owner}
		if h, ok := a.held[owner]; ok && h.group == g {
			info.Ports = slices.Clone(h.ports)
		}
		out = append(out, info)
	}
	return out
}

func (a *Allocator) owns(reservationID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.held[reservationID]
	return ok
}

// claim runs the check-and-claim part of Reserve under the lock. It returns
// the chosen group and the ports currently in it.
func (a *Allocator) claim(reservationID string, ports []chassis.Port, members map[int][]chassis.Port) (int, []chassis.Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.updateGauges()

	for _, p := range ports {
		owner, taken := a.ports[p]
		if taken && owner != reservationID {
			a.metrics.conflicts.Inc()
			return 0, nil, &PortConflictError{Port: p, Owner: owner, Reservation: reservationID}
		}
		if !taken {
			a.ports[p] = reservationID
		}
	}

	if h, ok := a.held[reservationID]; ok {
		return h.group, slices.Clone(h.ports), nil
	}

	group := a.adoptable(reservationID, ports, members)
	current := members[group]
	if group == 0 {
		group = a.free(members)
		current = nil
	}
	if group == 0 {
		a.metrics.exhausted.Inc()
		return 0, nil, ErrPoolExhausted
	}

	a.groups[group] = reservationID
	a.held[reservationID] = &holding{group: group}
	return group, slices.Clone(current), nil
}

// adoptable returns the lowest group whose appliance membership is exactly
// ports and that no other reservation owns, or 0.
func (a *Allocator) adoptable(reservationID string, ports []chassis.Port, members map[int][]chassis.Port) int {
	if len(ports) == 0 {
		return 0
	}
	for g := GroupMin; g <= GroupMax; g++ {
		if owner := a.groups[g]; owner != "" && owner != reservationID {
			continue
		}
		if m := members[g]; len(m) > 0 && chassis.SameSet(m, ports) {
			return g
		}
	}
	return 0
}

// free returns the lowest group with no owner and no ports on the appliance,
// or 0.
func (a *Allocator) free(members map[int][]chassis.Port) int {
	for g := GroupMin; g <= GroupMax; g++ {
		if a.groups[g] == "" && len(members[g]) == 0 {
			return g
		}
	}
	return 0
}

// settle records ports as the reservation's appliance membership. Claims on
// ports the reservation no longer uses are dropped.
func (a *Allocator) settle(reservationID string, ports []chassis.Port) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.updateGauges()

	h, ok := a.held[reservationID]
	if !ok {
		return
	}
	old := h.ports
	h.ports = slices.Clone(ports)
	for _, p := range chassis.Subtract(old, ports) {
		if a.ports[p] == reservationID {
			delete(a.ports, p)
		}
	}
}

// dropIfEmpty gives the reservation's group back to the pool when no port of
// it is reserved on the appliance. Port claims are kept until Unreserve.
func (a *Allocator) dropIfEmpty(reservationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.updateGauges()

	h, ok := a.held[reservationID]
	if !ok || len(h.ports) > 0 {
		return
	}
	a.groups[h.group] = ""
	delete(a.held, reservationID)
}

func (a *Allocator) updateGauges() {
	inUse := 0
	for g := GroupMin; g <= GroupMax; g++ {
		if a.groups[g] != "" {
			inUse++
		}
	}
	a.metrics.groupsInUse.Set(float64(inUse))
	a.metrics.portsClaimed.Set(float64(len(a.ports)))
}

func groupMembers(status []PortState) map[int][]chassis.Port {
	members := make(map[int][]chassis.Port)
	for _, st := range status {
		if st.Group < GroupMin || st.Group > GroupMax {
			continue
		}
		members[st.Group] = append(members[st.Group], st.Port)
	}
	return members
}

func dedupe(ports []chassis.Port) []chassis.Port {
	seen := make(map[chassis.Port]struct{}, len(ports))
	out := make([]chassis.Port, 0, len(ports))
	for _, p := range ports {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

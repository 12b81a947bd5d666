package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hopboxdev/bpshell/internal/groupalloc"
	"github.com/hopboxdev/bpshell/internal/reservation"
)

// ErrUnknownReservation is returned by Lookup for a reservation without a
// session.
var ErrUnknownReservation = errors.New("unknown reservation")

// Allocator is the group allocator shared by all sessions of an appliance.
// *groupalloc.Allocator implements it.
type Allocator interface {
	reservation.Allocator
	Forget(reservationID string)
	Snapshot() []groupalloc.GroupInfo
}

// Manager owns the sessions of one appliance, keyed by reservation id.
type Manager struct {
	appliance Appliance
	host      Host
	alloc     Allocator
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager that creates sessions on demand.
func NewManager(appliance Appliance, host Host, alloc Allocator, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Manager{
		appliance: appliance,
		host:      host,
		alloc:     alloc,
		opts:      opts,
		sessions:  make(map[string]*Session),
	}
}

// Session returns the session for reservationID, creating it on first use.
func (m *Manager) Session(reservationID string) (*Session, error) {
	if reservationID == "" {
		return nil, errors.New("reservation id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[reservationID]
	if !ok {
		s = newSession(reservationID, m.appliance, m.host, m.alloc, m.opts)
		m.sessions[reservationID] = s
		m.opts.Logger.Debug("session created", "reservation", reservationID)
	}
	return s, nil
}

// Lookup returns the existing session for reservationID.
func (m *Manager) Lookup(reservationID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[reservationID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownReservation, reservationID)
	}
	return s, nil
}

// Reservations lists the reservations with a session, sorted.
func (m *Manager) Reservations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Groups lists the test groups currently owned by reservations.
func (m *Manager) Groups() []groupalloc.GroupInfo {
	return m.alloc.Snapshot()
}

// Cleanup closes the reservation's session and forgets it. When the
// appliance cannot be reached the allocator still drops the reservation so
// its group and ports go back to the pool; the error is returned.
//
// The closed session stays registered until it is forgotten, so a load for
// the same reservation meanwhile fails with ErrClosed instead of claiming
// ports that are about to be dropped.
func (m *Manager) Cleanup(ctx context.Context, reservationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[reservationID]
	m.mu.Unlock()

	var err error
	if ok {
		err = s.Close(ctx)
	}
	if err != nil {
		m.opts.Logger.Warn("cleanup could not release appliance ports", "reservation", reservationID, "err", err)
	}

	m.mu.Lock()
	if cur, exists := m.sessions[reservationID]; !exists || cur == s {
		delete(m.sessions, reservationID)
		m.alloc.Forget(reservationID)
	}
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", reservationID, err)
	}
	return nil
}

// CloseAll cleans up every session.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.Reservations() {
		if err := m.Cleanup(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package reservation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hopboxdev/bpshell/internal/chassis"
	"github.com/hopboxdev/bpshell/internal/groupalloc"
)

type networks map[string]map[int]string

func (n networks) NetworkInterfaces(_ context.Context, network string) (map[int]string, error) {
	ifaces, ok := n[network]
	if !ok {
		return nil, errors.New("no such network")
	}
	return ifaces, nil
}

type hostPorts map[string][]chassis.ReservedPort

func (h hostPorts) ReservedPorts(_ context.Context, id string) ([]chassis.ReservedPort, error) {
	return h[id], nil
}

type op struct {
	Kind  string
	Group int
	Ports []chassis.Port
}

type recordingAppliance struct {
	ops        []op
	failReserv error
}

func (r *recordingAppliance) PortStatus(context.Context) ([]groupalloc.PortState, error) {
	return nil, nil
}

func (r *recordingAppliance) ReservePorts(_ context.Context, group int, ports []chassis.Port) error {
	if r.failReserv != nil {
		return r.failReserv
	}
	r.ops = append(r.ops, op{Kind: "reserve", Group: group, Ports: ports})
	return nil
}

func (r *recordingAppliance) UnreservePorts(_ context.Context, ports []chassis.Port) error {
	r.ops = append(r.ops, op{Kind: "unreserve", Ports: ports})
	return nil
}

const chassisAddr = "192.168.26.72"

func fixture() (networks, hostPorts) {
	nets := networks{
		"net1": {1: "ifA", 2: "ifB"},
		"net2": {1: "ifA", 2: "ifC"},
	}
	ports := hostPorts{
		"res-1": {
			{Name: "BP/M3/P1", Address: chassisAddr + "/M3/P1", LogicalName: "ifa"},
			{Name: "BP/M3/P2", Address: chassisAddr + "/M3/P2", LogicalName: "IFB"},
			{Name: "BP/M3/P3", Address: chassisAddr + "/M3/P3", LogicalName: "ifc"},
		},
		"res-2": {
			{Name: "BP/M3/P1", Address: chassisAddr + "/M3/P1", LogicalName: "ifa"},
		},
	}
	return nets, ports
}

func TestReservePorts(t *testing.T) {
	nets, ports := fixture()
	app := &recordingAppliance{}
	h := New("res-1", chassisAddr, nets, ports, groupalloc.New(app), nil)

	group, err := h.ReservePorts(context.Background(), "net1", []int{2, 1})
	if err != nil {
		t.Fatalf("ReservePorts: %v", err)
	}
	if group != 1 {
		t.Errorf("group = %d, want 1", group)
	}
	want := []chassis.Port{{Module: 3, Port: 1}, {Module: 3, Port: 2}}
	if diff := cmp.Diff(want, h.ReservedPorts()); diff != "" {
		t.Errorf("ReservedPorts() mismatch (-want +got):\n%s", diff)
	}
	if h.GroupID() != 1 {
		t.Errorf("GroupID() = %d, want 1", h.GroupID())
	}
}

func TestReservePorts_MissingPort(t *testing.T) {
	nets, ports := fixture()
	ports["res-1"] = ports["res-1"][:1]
	app := &recordingAppliance{}
	h := New("res-1", chassisAddr, nets, ports, groupalloc.New(app), nil)

	_, err := h.ReservePorts(context.Background(), "net1", []int{1, 2})
	var re *ResolutionError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *ResolutionError", err)
	}
	if re.Interface != 2 || re.LogicalName != "ifB" {
		t.Errorf("error = %+v, want interface 2 / ifB", re)
	}
	if len(app.ops) != 0 {
		t.Errorf("appliance saw %v, want no calls", app.ops)
	}
}

func TestReservePorts_UndefinedInterface(t *testing.T) {
	nets, ports := fixture()
	h := New("res-1", chassisAddr, nets, ports, groupalloc.New(&recordingAppliance{}), nil)

	_, err := h.ReservePorts(context.Background(), "net1", []int{1, 7})
	var re *ResolutionError
	if !errors.As(err, &re) || re.Interface != 7 {
		t.Fatalf("err = %v, want *ResolutionError for interface 7", err)
	}
}

func TestReservePorts_Reconciles(t *testing.T) {
	nets, ports := fixture()
	app := &recordingAppliance{}
	h := New("res-1", chassisAddr, nets, ports, groupalloc.New(app), nil)
	ctx := context.Background()

	if _, err := h.ReservePorts(ctx, "net1", []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.ReservePorts(ctx, "net2", []int{1, 2}); err != nil {
		t.Fatal(err)
	}

	want := []op{
		{Kind: "reserve", Group: 1, Ports: []chassis.Port{{Module: 3, Port: 1}, {Module: 3, Port: 2}}},
		{Kind: "unreserve", Ports: []chassis.Port{{Module: 3, Port: 2}}},
		{Kind: "reserve", Group: 1, Ports: []chassis.Port{{Module: 3, Port: 3}}},
	}
	if diff := cmp.Diff(want, app.ops); diff != "" {
		t.Errorf("appliance calls mismatch (-want +got):\n%s", diff)
	}
}

func TestReservePorts_ConflictReleasesEverything(t *testing.T) {
	nets, ports := fixture()
	alloc := groupalloc.New(&recordingAppliance{})
	ctx := context.Background()

	h1 := New("res-1", chassisAddr, nets, ports, alloc, nil)
	if _, err := h1.ReservePorts(ctx, "net1", []int{1, 2}); err != nil {
		t.Fatal(err)
	}

	h2 := New("res-2", chassisAddr, nets, ports, alloc, nil)
	_, err := h2.ReservePorts(ctx, "net1", []int{1})
	var ce *groupalloc.PortConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *groupalloc.PortConflictError", err)
	}
	if h2.GroupID() != 0 || len(h2.ReservedPorts()) != 0 {
		t.Errorf("res-2 kept state after conflict: group %d ports %v", h2.GroupID(), h2.ReservedPorts())
	}
	if _, _, ok := alloc.Holding("res-2"); ok {
		t.Error("allocator still holds state for res-2")
	}
}

func TestReservePorts_ApplianceFailure(t *testing.T) {
	nets, ports := fixture()
	app := &recordingAppliance{failReserv: errors.New("connection refused")}
	alloc := groupalloc.New(app)
	h := New("res-1", chassisAddr, nets, ports, alloc, nil)

	if _, err := h.ReservePorts(context.Background(), "net1", []int{1, 2}); err == nil {
		t.Fatal("expected error")
	}
	if len(alloc.Snapshot()) != 0 {
		t.Errorf("Snapshot() = %+v, want empty", alloc.Snapshot())
	}

	// The ports were released, so another reservation can take them.
	app.failReserv = nil
	other := New("res-2", chassisAddr, nets, ports, alloc, nil)
	if _, err := other.ReservePorts(context.Background(), "net1", []int{1}); err != nil {
		t.Errorf("res-2 reserve: %v", err)
	}
}

func TestUnreservePorts(t *testing.T) {
	nets, ports := fixture()
	app := &recordingAppliance{}
	h := New("res-1", chassisAddr, nets, ports, groupalloc.New(app), nil)
	ctx := context.Background()

	if _, err := h.ReservePorts(ctx, "net1", []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := h.UnreservePorts(ctx); err != nil {
		t.Fatal(err)
	}
	if h.GroupID() != 0 || h.ReservedPorts() != nil {
		t.Errorf("state after unreserve: group %d ports %v", h.GroupID(), h.ReservedPorts())
	}
	if err := h.UnreservePorts(ctx); err != nil {
		t.Errorf("second UnreservePorts: %v", err)
	}
	if got := len(app.ops); got != 2 {
		t.Errorf("appliance calls = %d, want 2 (%v)", got, app.ops)
	}
}

func TestReservePorts_NoNetwork(t *testing.T) {
	_, ports := fixture()
	h := New("res-1", chassisAddr, networks{}, ports, groupalloc.New(&recordingAppliance{}), nil)

	group, err := h.ReservePorts(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if group != 1 || len(h.ReservedPorts()) != 0 {
		t.Errorf("group %d ports %v, want group 1 and no ports", group, h.ReservedPorts())
	}
}

package bp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hopboxdev/bpshell/internal/chassis"
	"github.com/hopboxdev/bpshell/internal/groupalloc"
)

type portState struct {
	Slot       int    `json:"slot"`
	Port       int    `json:"port"`
	Group      *int   `json:"group"`
	ReservedBy string `json:"reservedBy,omitempty"`
}

// PortStatus lists the appliance's ports with the test group each one is in.
func (c *Client) PortStatus(ctx context.Context) ([]groupalloc.PortState, error) {
	var resp struct {
		PortReservationState []portState `json:"portReservationState"`
	}
	if err := c.do(ctx, http.MethodGet, "/bps/ports", nil, &resp); err != nil {
		return nil, fmt.Errorf("port status: %w", err)
	}
	out := make([]groupalloc.PortState, 0, len(resp.PortReservationState))
	for _, ps := range resp.PortReservationState {
		st := groupalloc.PortState{Port: chassis.Port{Module: ps.Slot, Port: ps.Port}}
		if ps.Group != nil {
			st.Group = *ps.Group
		}
		out = append(out, st)
	}
	return out, nil
}

// ReservePorts places ports in group. The appliance takes one call per
// module; modules are sent in the order they first appear in ports.
func (c *Client) ReservePorts(ctx context.Context, group int, ports []chassis.Port) error {
	for _, mod := range byModule(ports) {
		req := map[string]any{
			"slot":     mod.module,
			"portList": mod.ports,
			"group":    group,
			"force":    true,
		}
		if err := c.do(ctx, http.MethodPost, "/bps/ports/operations/reserve", req, nil); err != nil {
			return fmt.Errorf("reserve slot %d ports %v: %w", mod.module, mod.ports, err)
		}
	}
	return nil
}

// UnreservePorts takes ports out of whatever group they are in.
func (c *Client) UnreservePorts(ctx context.Context, ports []chassis.Port) error {
	for _, mod := range byModule(ports) {
		req := map[string]any{
			"slot":     mod.module,
			"portList": mod.ports,
		}
		if err := c.do(ctx, http.MethodPost, "/bps/ports/operations/unreserve", req, nil); err != nil {
			return fmt.Errorf("unreserve slot %d ports %v: %w", mod.module, mod.ports, err)
		}
	}
	return nil
}

// NetworkInterfaces returns the interface number to logical name mapping of
// a network neighborhood.
func (c *Client) NetworkInterfaces(ctx context.Context, network string) (map[int]string, error) {
	var resp struct {
		Interfaces []struct {
			Number int    `json:"number"`
			Name   string `json:"name"`
		} `json:"interfaces"`
	}
	if err := c.do(ctx, http.MethodGet, "/bps/network/"+url.PathEscape(network), nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[int]string, len(resp.Interfaces))
	for _, iface := range resp.Interfaces {
		out[iface.Number] = iface.Name
	}
	return out, nil
}

type modulePorts struct {
	module int
	ports  []int
}

func byModule(ports []chassis.Port) []modulePorts {
	var out []modulePorts
	index := make(map[int]int)
	for _, p := range ports {
		i, ok := index[p.Module]
		if !ok {
			i = len(out)
			index[p.Module] = i
			out = append(out, modulePorts{module: p.Module})
		}
		out[i].ports = append(out[i].ports, p.Port)
	}
	return out
}

// Package testmodel reads BreakingPoint test-model documents and resolves the
// interfaces a test needs to the logical port names of its network.
package testmodel

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Model is the part of a test-model document the driver cares about.
type Model struct {
	Name       string
	Network    string
	Interfaces []int // sorted, unique
}

// ParseError reports a malformed test-model document.
type ParseError struct {
	Source string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Source == "" {
		return "test model: " + e.Reason
	}
	return fmt.Sprintf("test model %s: %s", e.Source, e.Reason)
}

type document struct {
	XMLName    xml.Name
	Name       string         `xml:"name,attr"`
	Network    string         `xml:"network,attr"`
	Interfaces []xmlInterface `xml:"interface"`
	TestModels []xmlTestModel `xml:"testmodel"`
}

type xmlTestModel struct {
	Name       string         `xml:"name,attr"`
	Network    string         `xml:"network,attr"`
	Interfaces []xmlInterface `xml:"interface"`
}

type xmlInterface struct {
	Number *string `xml:"number,attr"`
}

// ParseFile parses the test model stored at path.
func ParseFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open test model: %w", err)
	}
	defer func() { _ = f.Close() }()
	m, err := Parse(f)
	var pe *ParseError
	if errors.As(err, &pe) {
		pe.Source = path
	}
	return m, err
}

// Parse reads a test-model document. The document must hold exactly one
// testmodel element, either as the root or as a direct child of it, and
// every interface of that element must carry an integer number attribute.
func Parse(r io.Reader) (*Model, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &ParseError{Reason: fmt.Sprintf("decode: %v", err)}
	}

	var tm xmlTestModel
	switch {
	case doc.XMLName.Local == "testmodel":
		if len(doc.TestModels) > 0 {
			return nil, &ParseError{Reason: "nested testmodel element"}
		}
		tm = xmlTestModel{Name: doc.Name, Network: doc.Network, Interfaces: doc.Interfaces}
	case len(doc.TestModels) == 1:
		tm = doc.TestModels[0]
	case len(doc.TestModels) == 0:
		return nil, &ParseError{Reason: "no testmodel element"}
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("%d testmodel elements, want exactly one", len(doc.TestModels))}
	}

	m := &Model{
		Name:    strings.TrimSpace(tm.Name),
		Network: strings.TrimSpace(tm.Network),
	}
	for i, iface := range tm.Interfaces {
		if iface.Number == nil {
			return nil, &ParseError{Reason: fmt.Sprintf("interface #%d has no number attribute", i+1)}
		}
		n, err := strconv.Atoi(strings.TrimSpace(*iface.Number))
		if err != nil {
			return nil, &ParseError{Reason: fmt.Sprintf("interface #%d: invalid number %q", i+1, *iface.Number)}
		}
		m.Interfaces = append(m.Interfaces, n)
	}
	slices.Sort(m.Interfaces)
	m.Interfaces = slices.Compact(m.Interfaces)
	return m, nil
}

// InterfaceMap maps a test interface number to its logical port name in the
// network neighborhood.
type InterfaceMap map[int]string

// NetworkQuery looks up the interfaces of a named network neighborhood on the
// appliance.
type NetworkQuery interface {
	NetworkInterfaces(ctx context.Context, network string) (map[int]string, error)
}

// Resolve returns the InterfaceMap for network. An empty network name means
// the test has no network neighborhood; the appliance is not queried and the
// map is empty.
func Resolve(ctx context.Context, q NetworkQuery, network string) (InterfaceMap, error) {
	if strings.TrimSpace(network) == "" {
		return InterfaceMap{}, nil
	}
	ifaces, err := q.NetworkInterfaces(ctx, network)
	if err != nil {
		return nil, fmt.Errorf("network %q interfaces: %w", network, err)
	}
	return InterfaceMap(ifaces), nil
}

package testmodel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleBPT = `<?xml version="1.0" encoding="UTF-8"?>
<bpt version="3">
  <testmodel name="AppSim" network="net1">
    <interface number="2"/>
    <interface number="1"/>
    <interface number="2"/>
  </testmodel>
</bpt>`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleBPT))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := &Model{Name: "AppSim", Network: "net1", Interfaces: []int{1, 2}}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_RootTestModel(t *testing.T) {
	doc := `<testmodel name="x" network="n"><interface number="5"/></testmodel>`
	m, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Network != "n" || len(m.Interfaces) != 1 || m.Interfaces[0] != 5 {
		t.Errorf("Parse() = %+v", m)
	}
}

func TestParse_NoNetwork(t *testing.T) {
	doc := `<bpt><testmodel name="offline"/></bpt>`
	m, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Network != "" || len(m.Interfaces) != 0 {
		t.Errorf("Parse() = %+v, want empty network and interfaces", m)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing testmodel", `<bpt><other/></bpt>`, "no testmodel element"},
		{"two testmodels", `<bpt><testmodel/><testmodel/></bpt>`, "want exactly one"},
		{"missing number", `<bpt><testmodel network="n"><interface/></testmodel></bpt>`, "no number attribute"},
		{"bad number", `<bpt><testmodel network="n"><interface number="one"/></testmodel></bpt>`, `invalid number "one"`},
		{"not xml", `{"testmodel": 1}`, "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestParseFile_SetsSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.bpt")
	if err := os.WriteFile(path, []byte(`<bpt/>`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := ParseFile(path)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("err = %v, want it to name %s", err, path)
	}
}

type fakeNetworks struct {
	calls int
	nets  map[string]map[int]string
}

func (f *fakeNetworks) NetworkInterfaces(_ context.Context, network string) (map[int]string, error) {
	f.calls++
	ifaces, ok := f.nets[network]
	if !ok {
		return nil, errors.New("not found")
	}
	return ifaces, nil
}

func TestResolve(t *testing.T) {
	q := &fakeNetworks{nets: map[string]map[int]string{
		"net1": {1: "ifA", 2: "ifB"},
	}}

	got, err := Resolve(context.Background(), q, "net1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff(InterfaceMap{1: "ifA", 2: "ifB"}, got); diff != "" {
		t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
	}

	if _, err := Resolve(context.Background(), q, "missing"); err == nil {
		t.Error("expected error for unknown network")
	}
}

func TestResolve_EmptyNetworkSkipsQuery(t *testing.T) {
	q := &fakeNetworks{}
	got, err := Resolve(context.Background(), q, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Resolve() = %v, want empty", got)
	}
	if q.calls != 0 {
		t.Errorf("appliance queried %d times, want 0", q.calls)
	}
}

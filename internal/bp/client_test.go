package bp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hopboxdev/bpshell/internal/chassis"
	"github.com/hopboxdev/bpshell/internal/groupalloc"
)

// fakeBPS is a minimal appliance: it hands out a session cookie and records
// the JSON body of every API call.
type fakeBPS struct {
	mu       sync.Mutex
	logins   int
	expired  bool // next authenticated call gets 401 once
	requests []recorded
	mux      *http.ServeMux
}

type recorded struct {
	Path string
	Body map[string]any
}

func newFakeBPS(t *testing.T) (*fakeBPS, *Client) {
	t.Helper()
	f := &fakeBPS{mux: http.NewServeMux()}
	f.mux.HandleFunc("POST /api/v1/auth/session", func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["password"] != "secret" {
			http.Error(w, `{"error":"bad credentials"}`, http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	f.mux.HandleFunc("DELETE /api/v1/auth/session", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := New(Options{Address: srv.URL, User: "admin", Password: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	return f, c
}

func (f *fakeBPS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v1/auth/session" {
		cookie, err := r.Cookie("JSESSIONID")
		f.mu.Lock()
		expired := f.expired
		f.expired = false
		f.mu.Unlock()
		if err != nil || cookie.Value != "abc" || expired {
			http.Error(w, "not logged in", http.StatusUnauthorized)
			return
		}
	}
	f.mux.ServeHTTP(w, r)
}

func (f *fakeBPS) expireSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = true
}

func (f *fakeBPS) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeBPS) calls() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}

func (f *fakeBPS) handleJSON(pattern string, reply any) {
	f.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.requests = append(f.requests, recorded{Path: r.URL.Path, Body: body})
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if reply != nil {
			_ = json.NewEncoder(w).Encode(reply)
		}
	})
}

func TestPortStatus(t *testing.T) {
	f, c := newFakeBPS(t)
	f.handleJSON("GET /api/v1/bps/ports", map[string]any{
		"portReservationState": []map[string]any{
			{"slot": 3, "port": 1, "group": 2},
			{"slot": 3, "port": 2, "group": nil},
		},
	})
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := c.PortStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []groupalloc.PortState{
		{Port: chassis.Port{Module: 3, Port: 1}, Group: 2},
		{Port: chassis.Port{Module: 3, Port: 2}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PortStatus() mismatch (-want +got):\n%s", diff)
	}
}

func TestReservePorts_OneCallPerModule(t *testing.T) {
	f, c := newFakeBPS(t)
	f.handleJSON("POST /api/v1/bps/ports/operations/reserve", nil)
	f.handleJSON("POST /api/v1/bps/ports/operations/unreserve", nil)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	ports := []chassis.Port{{Module: 3, Port: 2}, {Module: 4, Port: 1}, {Module: 3, Port: 1}}
	if err := c.ReservePorts(ctx, 5, ports); err != nil {
		t.Fatal(err)
	}
	if err := c.UnreservePorts(ctx, ports[:1]); err != nil {
		t.Fatal(err)
	}

	want := []recorded{
		{Path: "/api/v1/bps/ports/operations/reserve", Body: map[string]any{
			"slot": 3.0, "portList": []any{2.0, 1.0}, "group": 5.0, "force": true,
		}},
		{Path: "/api/v1/bps/ports/operations/reserve", Body: map[string]any{
			"slot": 4.0, "portList": []any{1.0}, "group": 5.0, "force": true,
		}},
		{Path: "/api/v1/bps/ports/operations/unreserve", Body: map[string]any{
			"slot": 3.0, "portList": []any{2.0},
		}},
	}
	if diff := cmp.Diff(want, f.calls()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestRelogsInOnExpiredSession(t *testing.T) {
	f, c := newFakeBPS(t)
	f.handleJSON("GET /api/v1/bps/network/{name}", map[string]any{
		"interfaces": []map[string]any{{"number": 1, "name": "ifA"}, {"number": 2, "name": "ifB"}},
	})
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}
	f.expireSession()

	got, err := c.NetworkInterfaces(ctx, "net1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[int]string{1: "ifA", 2: "ifB"}, got); diff != "" {
		t.Errorf("NetworkInterfaces() mismatch (-want +got):\n%s", diff)
	}
	if n := f.loginCount(); n != 2 {
		t.Errorf("logins = %d, want 2", n)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	_, c := newFakeBPS(t)
	c.password = "wrong"

	err := c.Login(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("err = %v, want *APIError with 401", err)
	}
}

func TestAPIError(t *testing.T) {
	f, c := newFakeBPS(t)
	f.mux.HandleFunc("POST /api/v1/bps/tests/operations/start", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "group 3 is busy", http.StatusInternalServerError)
	})
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := c.StartTest(ctx, "AppSim", 3)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError || errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v", err)
	}
}

func TestTestLifecycle(t *testing.T) {
	f, c := newFakeBPS(t)
	f.handleJSON("POST /api/v1/bps/tests/operations/start", map[string]string{"testid": "admin@run-1"})
	f.handleJSON("POST /api/v1/bps/tests/operations/result", map[string]string{"result": "Incomplete"})
	f.handleJSON("POST /api/v1/bps/tests/operations/getrts", map[string]any{
		"values": map[string]map[string]string{"1700000000": {"ethTxFrames": "42"}},
	})
	f.handleJSON("POST /api/v1/bps/tests/operations/stop", nil)
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	id, err := c.StartTest(ctx, "AppSim", 1)
	if err != nil || id != "admin@run-1" {
		t.Fatalf("StartTest() = %q, %v", id, err)
	}
	res, err := c.TestResult(ctx, id)
	if err != nil || res != ResultIncomplete {
		t.Fatalf("TestResult() = %q, %v; want incomplete", res, err)
	}
	stats, err := c.Statistics(ctx, id, "summary")
	if err != nil {
		t.Fatal(err)
	}
	if stats["1700000000"]["ethTxFrames"] != "42" {
		t.Errorf("Statistics() = %v", stats)
	}
	if err := c.StopTest(ctx, id); err != nil {
		t.Fatal(err)
	}

	wantStart := map[string]any{"modelname": "AppSim", "group": 1.0}
	if diff := cmp.Diff(wantStart, f.calls()[0].Body); diff != "" {
		t.Errorf("start body mismatch (-want +got):\n%s", diff)
	}
}

func TestUpload(t *testing.T) {
	f, c := newFakeBPS(t)
	var gotFile, gotForce string
	f.mux.HandleFunc("POST /api/v1/bps/upload", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		gotFile = string(data)
		gotForce = r.FormValue("force")
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "AppSim"})
	})
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "appsim.bpt")
	if err := os.WriteFile(path, []byte("<bpt/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	name, err := c.Upload(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if name != "AppSim" || gotFile != "<bpt/>" || gotForce != "true" {
		t.Errorf("Upload() = %q; server saw file %q force %q", name, gotFile, gotForce)
	}
}

func TestExports(t *testing.T) {
	f, c := newFakeBPS(t)
	f.mux.HandleFunc("GET /api/v1/bps/export/report/{id}/pdf", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-" + r.PathValue("id")))
	})
	f.mux.HandleFunc("GET /api/v1/bps/export/bpt/testname/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<bpt name=\"" + r.PathValue("name") + "\"/>"))
	})
	ctx := context.Background()
	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}

	pdf, err := c.Report(ctx, "run-1", "PDF")
	if err != nil || string(pdf) != "%PDF-run-1" {
		t.Errorf("Report() = %q, %v", pdf, err)
	}
	if _, err := c.Report(ctx, "run-1", "docx"); err == nil {
		t.Error("expected error for unsupported report format")
	}
	bpt, err := c.ExportTest(ctx, "AppSim")
	if err != nil || string(bpt) != `<bpt name="AppSim"/>` {
		t.Errorf("ExportTest() = %q, %v", bpt, err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Errorf("Logout: %v", err)
	}
}

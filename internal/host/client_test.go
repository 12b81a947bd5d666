package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hopboxdev/bpshell/internal/chassis"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(Options{URL: srv.URL, Token: "tok", Domain: "Lab"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestReservedPorts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/reservations/{id}/resources", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.URL.Query().Get("family") != "Port" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resources": []map[string]string{
				{"name": "BP/M1/P1", "address": "10.0.0.1/M1/P1", "logical_name": "ifA"},
			},
		})
	})
	c := newTestClient(t, mux)

	got, err := c.ReservedPorts(context.Background(), "res-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []chassis.ReservedPort{{Name: "BP/M1/P1", Address: "10.0.0.1/M1/P1", LogicalName: "ifA"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReservedPorts() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecryptPassword(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/passwords/decrypt", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{"value": "clear-" + req["value"]})
	})
	c := newTestClient(t, mux)

	got, err := c.DecryptPassword(context.Background(), "xyz")
	if err != nil || got != "clear-xyz" {
		t.Errorf("DecryptPassword() = %q, %v", got, err)
	}
}

// attachmentServer serves the package API for one reservation holding
// old.pdf and summary.csv, recording deletes and the last upload.
type attachmentServer struct {
	mu      sync.Mutex
	logins  int
	deleted []string
	saved   string
	content string
}

func (a *attachmentServer) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /API/Auth/Login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["token"] != "tok" || req["domain"] != "Lab" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		a.mu.Lock()
		a.logins++
		a.mu.Unlock()
		_, _ = io.WriteString(w, `"session-1"`)
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Basic session-1" {
				http.Error(w, "denied", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("GET /API/Package/GetReservationAttachmentsDetails/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{"old.pdf", "summary.csv"})
	}))
	mux.HandleFunc("POST /API/Package/DeleteFileFromReservation", authed(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.mu.Lock()
		a.deleted = append(a.deleted, req["FileName"])
		a.mu.Unlock()
	}))
	mux.HandleFunc("POST /API/Package/AttachFileToReservation", authed(func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("QualiPackage")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		a.mu.Lock()
		a.saved = r.FormValue("saveFileAs")
		a.content = string(data)
		a.mu.Unlock()
	}))
	return mux
}

func TestAttachFile_KeepsExisting(t *testing.T) {
	srv := &attachmentServer{}
	c := newTestClient(t, srv.mux())

	if err := c.AttachFile(context.Background(), "res-1", "summary.csv", []byte("timestamp\n")); err != nil {
		t.Fatal(err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.deleted) != 0 {
		t.Errorf("AttachFile removed %v", srv.deleted)
	}
	if srv.saved != "summary.csv" || srv.content != "timestamp\n" {
		t.Errorf("attached %q with %q", srv.saved, srv.content)
	}
}

func TestReplaceAttachments(t *testing.T) {
	srv := &attachmentServer{}
	c := newTestClient(t, srv.mux())
	ctx := context.Background()
	pdfOnly := func(name string) bool { return strings.HasSuffix(name, ".pdf") }

	if err := c.ReplaceAttachments(ctx, "res-1", "report.pdf", []byte("%PDF"), pdfOnly); err != nil {
		t.Fatal(err)
	}
	if err := c.ReplaceAttachments(ctx, "res-1", "report.pdf", []byte("%PDF"), nil); err != nil {
		t.Fatal(err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.logins != 1 {
		t.Errorf("logins = %d, want 1", srv.logins)
	}
	if diff := cmp.Diff([]string{"old.pdf", "old.pdf", "summary.csv"}, srv.deleted); diff != "" {
		t.Errorf("deleted mismatch (-want +got):\n%s", diff)
	}
	if srv.saved != "report.pdf" || srv.content != "%PDF" {
		t.Errorf("attached %q with %q", srv.saved, srv.content)
	}
}

func TestAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/reservations/{id}/resources", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such reservation", http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	_, err := c.ReservedPorts(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want *APIError 404", err)
	}
}

package rpcclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hopboxdev/bpshell/internal/rpcclient"
)

func TestCall(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		if got["method"] == "start_traffic" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"no test configuration loaded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"result":{"group":3}}`))
	}))
	defer srv.Close()

	c := rpcclient.New(srv.URL+"/rpc", 0)
	var out struct {
		Group int `json:"group"`
	}
	err := c.CallInto(context.Background(), "load_config", "res-1", map[string]string{"config_file_location": "a.bpt"}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if out.Group != 3 {
		t.Errorf("group = %d, want 3", out.Group)
	}
	if got["reservation_id"] != "res-1" {
		t.Errorf("reservation_id = %v", got["reservation_id"])
	}

	_, err = c.Call(context.Background(), "start_traffic", "res-1", nil)
	var rpcErr *rpcclient.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *rpcclient.Error", err)
	}
	if rpcErr.StatusCode != http.StatusConflict || rpcErr.Message != "no test configuration loaded" {
		t.Errorf("rpc error = %+v", rpcErr)
	}
}

func TestCall_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	_, err := rpcclient.New(srv.URL, 0).Call(context.Background(), "groups.list", "", nil)
	var rpcErr *rpcclient.Error
	if !errors.As(err, &rpcErr) || rpcErr.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("err = %v", err)
	}
}

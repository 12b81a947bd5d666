// Package target keeps the bpctl registry of driver endpoints.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target is a bp-driver control API bpctl can talk to.
// Stored at ~/.config/bpshell/targets/<name>.yaml.
type Target struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`                   // e.g. http://127.0.0.1:7420
	Reservation string `yaml:"reservation,omitempty"` // used when --reservation is not given
}

// Dir returns the directory where targets are stored.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".config", "bpshell", "targets"), nil
}

// Validate checks the name and the URL.
func (t *Target) Validate() error {
	if t.Name == "" || strings.ContainsAny(t.Name, `/\`) || strings.HasPrefix(t.Name, ".") {
		return fmt.Errorf("invalid target name %q", t.Name)
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("target %s url: %w", t.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("target %s url %q: want http(s)://host:port", t.Name, t.URL)
	}
	return nil
}

// RPCURL returns the URL of the target's /rpc endpoint.
func (t *Target) RPCURL() string {
	return strings.TrimRight(t.URL, "/") + "/rpc"
}

// Save writes the target to the registry, replacing any target of the same
// name.
func (t *Target) Save() error {
	if err := t.Validate(); err != nil {
		return err
	}
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal target: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, t.Name+".yaml"), data, 0o600)
}

// Load reads a target by name.
func Load(name string) (*Target, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("target %q not found; add it with 'bpctl target add'", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read target %q: %w", name, err)
	}
	var t Target
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse target %q: %w", name, err)
	}
	return &t, nil
}

// List returns the names of all saved targets.
func List() ([]string, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	return names, nil
}

// Delete removes a target by name.
func Delete(name string) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, name+".yaml")); err != nil {
		return fmt.Errorf("delete target %q: %w", name, err)
	}
	return nil
}

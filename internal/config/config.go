// Package config loads the bp-driver configuration file.
//
// The file is TOML:
//
//	listen = ":7420"
//
//	[appliance]
//	address = "bps.lab.local"
//	user = "admin"
//	password = "<sealed or host-encrypted>"
//	insecure_tls = true
//	timeout = "60s"
//
//	[host]
//	url = "http://cloudshell:9000"
//	token = "..."
//	domain = "Global"
//
//	[traffic]
//	poll_interval = "5s"
//	timeout = "2h"
//
// Durations are Go duration strings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
)

// DefaultListen is the driver's default control API address.
const DefaultListen = "127.0.0.1:7420"

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the driver configuration.
type Config struct {
	Listen    string    `toml:"listen"`
	Appliance Appliance `toml:"appliance"`
	Host      Host      `toml:"host"`
	Chassis   Chassis   `toml:"chassis"`
	Traffic   Traffic   `toml:"traffic"`
	Files     Files     `toml:"files"`
	Secret    Secret    `toml:"secret"`
	Log       Log       `toml:"log"`
}

type Appliance struct {
	Address     string   `toml:"address"`
	User        string   `toml:"user"`
	Password    string   `toml:"password"` // encrypted; see [secret]
	InsecureTLS bool     `toml:"insecure_tls"`
	Timeout     Duration `toml:"timeout"`
}

type Host struct {
	URL    string `toml:"url"`
	Token  string `toml:"token"`
	Domain string `toml:"domain"`
}

// Chassis identifies the chassis whose reserved ports belong to this
// appliance. Address defaults to the appliance address.
type Chassis struct {
	Address string `toml:"address"`
}

type Traffic struct {
	PollInterval Duration `toml:"poll_interval"`
	Timeout      Duration `toml:"timeout"`
}

type Files struct {
	TestFilesDir string `toml:"test_files_dir"`
}

// Secret selects how the appliance password is decrypted: as written when
// Plaintext is set, else with the local key in KeyFile when set, else
// through the host.
type Secret struct {
	KeyFile   string `toml:"key_file"`
	Plaintext bool   `toml:"plaintext"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Listen:    DefaultListen,
		Appliance: Appliance{Timeout: Duration{60 * time.Second}},
		Host:      Host{Domain: "Global"},
		Traffic: Traffic{
			PollInterval: Duration{5 * time.Second},
			Timeout:      Duration{2 * time.Hour},
		},
		Files: Files{TestFilesDir: "test-files"},
		Log:   Log{Level: "info", Format: "text"},
	}
}

// Load reads path on top of Default and validates the result. Unknown keys
// are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			var keys []string
			for _, e := range strict.Errors {
				keys = append(keys, strings.Join(e.Key(), "."))
			}
			return nil, fmt.Errorf("parse config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Chassis.Address == "" {
		cfg.Chassis.Address = cfg.Appliance.Address
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Appliance.Address == "" {
		errs = append(errs, errors.New("appliance.address is required"))
	}
	if c.Appliance.User == "" {
		errs = append(errs, errors.New("appliance.user is required"))
	}
	if c.Host.URL == "" {
		errs = append(errs, errors.New("host.url is required"))
	}
	if c.Traffic.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("traffic.poll_interval must be positive"))
	}
	if c.Traffic.Timeout.Duration < 0 {
		errs = append(errs, errors.New("traffic.timeout must not be negative"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text, json or logfmt", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Marshal renders the configuration as TOML.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

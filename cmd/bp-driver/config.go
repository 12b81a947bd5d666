package main

import (
	"fmt"
	"os"

	"github.com/hopboxdev/bpshell/internal/config"
)

// ConfigCmd inspects the configuration file.
type ConfigCmd struct {
	Check ConfigCheckCmd `cmd:"" help:"Validate the configuration file."`
	Show  ConfigShowCmd  `cmd:"" help:"Print the configuration with defaults applied."`
}

// ConfigCheckCmd validates a configuration file.
type ConfigCheckCmd struct {
	Config string `short:"c" default:"${config_path}" type:"path" help:"Path to driver.toml."`
}

func (c *ConfigCheckCmd) Run() error {
	if _, err := config.Load(c.Config); err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", c.Config)
	return nil
}

// ConfigShowCmd prints the effective configuration. The password and token
// are masked.
type ConfigShowCmd struct {
	Config string `short:"c" default:"${config_path}" type:"path" help:"Path to driver.toml."`
}

func (c *ConfigShowCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if cfg.Appliance.Password != "" {
		cfg.Appliance.Password = "********"
	}
	if cfg.Host.Token != "" {
		cfg.Host.Token = "********"
	}
	out, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/hopboxdev/bpshell/internal/secret"
)

// SealCmd encrypts a password for the [appliance] password key. The key is
// created on first use.
type SealCmd struct {
	KeyFile string `name:"key-file" default:"/etc/bpshell/secret.key" type:"path" help:"Key file to seal with; created if missing."`
	Value   string `arg:"" optional:"" help:"Password to seal. Read from stdin when omitted."`
}

func (c *SealCmd) Run() error {
	key, err := c.loadOrGenerateKey()
	if err != nil {
		return err
	}
	plain := c.Value
	if plain == "" {
		if plain, err = readPassword(); err != nil {
			return err
		}
	}
	if plain == "" {
		return errors.New("empty password")
	}
	sealed, err := key.Seal(plain)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

func (c *SealCmd) loadOrGenerateKey() (*secret.Key, error) {
	if _, err := os.Stat(c.KeyFile); err == nil {
		return secret.LoadKey(c.KeyFile)
	}
	key, err := secret.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := key.SaveToFile(c.KeyFile); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Generated key %s\n", c.KeyFile)
	return key, nil
}

// readPassword reads one line from stdin, without echo when it is a terminal.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	b, err := io.ReadAll(io.LimitReader(os.Stdin, 4096))
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

package main

import (
	"fmt"
	"strings"

	"github.com/hopboxdev/bpshell/internal/target"
	"github.com/hopboxdev/bpshell/internal/ui"
)

// TargetCmd manages the driver registry.
type TargetCmd struct {
	Add TargetAddCmd `cmd:"" name:"add" help:"Add or replace a driver."`
	Rm  TargetRmCmd  `cmd:"" name:"rm" help:"Remove a driver."`
	Ls  TargetLsCmd  `cmd:"" name:"ls" help:"List drivers."`
}

// TargetAddCmd saves a driver endpoint.
type TargetAddCmd struct {
	Name        string `arg:""`
	URL         string `arg:"" help:"Driver URL, e.g. http://10.0.0.5:7420."`
	Reservation string `help:"Default reservation id for this driver."`
}

func (c *TargetAddCmd) Run() error {
	t := &target.Target{Name: c.Name, URL: c.URL, Reservation: c.Reservation}
	if err := t.Save(); err != nil {
		return err
	}
	fmt.Println(ui.StepOK(fmt.Sprintf("saved target %s (%s)", t.Name, t.URL)))
	return nil
}

// TargetRmCmd removes a driver endpoint.
type TargetRmCmd struct {
	Name string `arg:""`
}

func (c *TargetRmCmd) Run() error {
	return target.Delete(c.Name)
}

// TargetLsCmd lists saved drivers.
type TargetLsCmd struct{}

func (c *TargetLsCmd) Run() error {
	names, err := target.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println(ui.Section("Targets", "No drivers saved. Use 'bpctl target add' to add one.", ui.MaxWidth))
		return nil
	}
	var rows [][]string
	for _, n := range names {
		t, err := target.Load(n)
		if err != nil {
			rows = append(rows, []string{n, "(unreadable)", ""})
			continue
		}
		rows = append(rows, []string{t.Name, t.URL, t.Reservation})
	}
	fmt.Println(ui.Section("Targets", strings.TrimRight(ui.Table([]string{"NAME", "URL", "RESERVATION"}, rows), "\n"), ui.MaxWidth))
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hopboxdev/bpshell/internal/chassis"
	"github.com/hopboxdev/bpshell/internal/groupalloc"
	"github.com/hopboxdev/bpshell/internal/rpcclient"
	"github.com/hopboxdev/bpshell/internal/session"
	"github.com/hopboxdev/bpshell/internal/tui"
	"github.com/hopboxdev/bpshell/internal/ui"
)

// LoadCmd loads a test configuration for the reservation.
type LoadCmd struct {
	File string `arg:"" help:"Test file path on the driver host; relative paths are taken from its test files directory."`
}

func (c *LoadCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}
	var res session.LoadResult
	err = tui.Run(context.Background(), os.Stdout, "Load "+c.File, []tui.Phase{{
		Title: "Reservation " + rid,
		Steps: []tui.Step{loadStep(client, rid, c.File, &res)},
	}})
	if err != nil {
		return err
	}
	fmt.Println(ui.Field("Test", res.Test))
	fmt.Println(ui.Field("Network", res.Network))
	fmt.Println(ui.Field("Group", strconv.Itoa(res.Group)))
	fmt.Println(ui.Field("Ports", portList(res.Ports)))
	return nil
}

func loadStep(client *rpcclient.Client, rid, file string, out *session.LoadResult) tui.Step {
	return tui.Step{
		Title: "Loading " + file,
		Run: func(ctx context.Context, progress func(string)) error {
			params := map[string]string{"config_file_location": file}
			if err := client.CallInto(ctx, "load_config", rid, params, out); err != nil {
				return err
			}
			progress(fmt.Sprintf("Loaded %s on group %d", out.Test, out.Group))
			return nil
		},
	}
}

// StartCmd starts traffic.
type StartCmd struct {
	Blocking bool `short:"b" help:"Wait for the test to finish."`
}

func (c *StartCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}
	var res session.StartResult
	if !c.Blocking {
		if err := client.CallInto(context.Background(), "start_traffic", rid, map[string]bool{"blocking": false}, &res); err != nil {
			return err
		}
		fmt.Println(ui.StepOK("Started test " + res.TestID))
		return nil
	}
	err = tui.Run(context.Background(), os.Stdout, "Traffic", []tui.Phase{{
		Title: "Reservation " + rid,
		Steps: []tui.Step{startStep(client, rid, &res)},
	}})
	if err != nil {
		return err
	}
	fmt.Println(ui.Field("Result", ui.Result(res.Result)))
	return nil
}

func startStep(client *rpcclient.Client, rid string, out *session.StartResult) tui.Step {
	return tui.Step{
		Title: "Running traffic",
		Run: func(ctx context.Context, progress func(string)) error {
			if err := client.CallInto(ctx, "start_traffic", rid, map[string]bool{"blocking": true}, out); err != nil {
				return err
			}
			progress(fmt.Sprintf("Test %s finished: %s", out.TestID, out.Result))
			return nil
		},
	}
}

// StopCmd stops traffic and releases the reservation's ports.
type StopCmd struct{}

func (c *StopCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}
	if _, err := client.Call(context.Background(), "stop_traffic", rid, nil); err != nil {
		return err
	}
	fmt.Println(ui.StepOK("Stopped traffic for " + rid))
	return nil
}

// StatsCmd fetches a statistics view.
type StatsCmd struct {
	View   string `default:"summary" help:"Statistics view."`
	Format string `default:"json" enum:"json,csv" help:"json prints the values; csv also attaches <view>.csv to the reservation."`
}

func (c *StatsCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}
	var stats session.Statistics
	params := map[string]string{"view_name": c.View, "output_format": c.Format}
	if err := client.CallInto(context.Background(), "get_statistics", rid, params, &stats); err != nil {
		return err
	}
	if c.Format == "csv" {
		fmt.Print(stats.CSV)
		fmt.Fprintln(os.Stderr, ui.StepOK("Attached "+stats.Attachment))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats.Values)
}

// ResultsCmd attaches the report of the last run to the reservation.
type ResultsCmd struct {
	Env    string `help:"Environment name to prefix the attachment with."`
	Format string `default:"pdf" help:"Report format (pdf, csv, rtf, html, xml, zip)."`
}

func (c *ResultsCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}
	var att session.Attachment
	if err := client.CallInto(context.Background(), "get_results", rid, resultsParams(c.Env, c.Format), &att); err != nil {
		return err
	}
	fmt.Println(ui.StepOK(fmt.Sprintf("Attached %s (%d bytes)", att.Name, att.Bytes)))
	return nil
}

func resultsParams(env, format string) map[string]string {
	return map[string]string{"environment": env, "format": format}
}

// ExportCmd exports a test into the driver's test files directory.
type ExportCmd struct {
	Test string `arg:"" help:"Test name on the appliance."`
}

func (c *ExportCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}
	var res struct {
		Path string `json:"path"`
	}
	if err := client.CallInto(context.Background(), "get_test_file", rid, map[string]string{"test_name": c.Test}, &res); err != nil {
		return err
	}
	fmt.Println(ui.StepOK("Exported to " + res.Path))
	return nil
}

// CleanupCmd releases everything a reservation holds on the driver.
type CleanupCmd struct{}

func (c *CleanupCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}
	if _, err := client.Call(context.Background(), "cleanup_reservation", rid, nil); err != nil {
		return err
	}
	fmt.Println(ui.StepOK("Released " + rid))
	return nil
}

// GroupsCmd lists the test groups in use on the driver's appliance.
type GroupsCmd struct{}

func (c *GroupsCmd) Run(globals *CLI) error {
	client, _, err := globals.client()
	if err != nil {
		return err
	}
	var res struct {
		Groups       []groupalloc.GroupInfo `json:"groups"`
		Reservations []string               `json:"reservations"`
	}
	if err := client.CallInto(context.Background(), "groups.list", "", nil, &res); err != nil {
		return err
	}
	if len(res.Groups) == 0 {
		fmt.Println(ui.Section("Test groups", "No groups in use.", ui.MaxWidth))
		return nil
	}
	rows := make([][]string, 0, len(res.Groups))
	for _, g := range res.Groups {
		rows = append(rows, []string{strconv.Itoa(g.Group), g.Reservation, portList(g.Ports)})
	}
	fmt.Println(ui.Section("Test groups", ui.Table([]string{"GROUP", "RESERVATION", "PORTS"}, rows), ui.MaxWidth))
	return nil
}

func portList(ports []chassis.Port) string {
	if len(ports) == 0 {
		return "-"
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.String()
	}
	return strings.Join(names, " ")
}

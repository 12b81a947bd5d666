package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hopboxdev/bpshell/internal/session"
	"github.com/hopboxdev/bpshell/internal/tui"
	"github.com/hopboxdev/bpshell/internal/ui"
)

// RunCmd loads a test, runs it to completion, collects its statistics and
// report, and releases the ports.
type RunCmd struct {
	File   string `arg:"" help:"Test file path on the driver host."`
	Env    string `help:"Environment name to prefix the report with."`
	View   string `default:"summary" help:"Statistics view to attach as CSV."`
	Format string `default:"pdf" help:"Report format."`
	Keep   bool   `help:"Keep the ports reserved after the run."`
}

func (c *RunCmd) Run(globals *CLI) error {
	client, rid, err := globals.session()
	if err != nil {
		return err
	}

	var (
		loaded  session.LoadResult
		started session.StartResult
	)
	phases := []tui.Phase{
		{Title: "Prepare", Steps: []tui.Step{loadStep(client, rid, c.File, &loaded)}},
		{Title: "Traffic", Steps: []tui.Step{startStep(client, rid, &started)}},
		{Title: "Collect", Steps: []tui.Step{
			{
				Title:    "Attaching " + c.View + " statistics",
				Optional: true,
				Run: func(ctx context.Context, progress func(string)) error {
					var stats session.Statistics
					params := map[string]string{"view_name": c.View, "output_format": "csv"}
					if err := client.CallInto(ctx, "get_statistics", rid, params, &stats); err != nil {
						return err
					}
					progress("Attached " + stats.Attachment)
					return nil
				},
			},
			{
				Title:    "Attaching report",
				Optional: true,
				Run: func(ctx context.Context, progress func(string)) error {
					var att session.Attachment
					if err := client.CallInto(ctx, "get_results", rid, resultsParams(c.Env, c.Format), &att); err != nil {
						return err
					}
					progress("Attached " + att.Name)
					return nil
				},
			},
		}},
	}
	if !c.Keep {
		phases = append(phases, tui.Phase{Title: "Release", Steps: []tui.Step{{
			Title: "Releasing ports",
			Run: func(ctx context.Context, progress func(string)) error {
				_, err := client.Call(ctx, "stop_traffic", rid, nil)
				return err
			},
		}}})
	}

	if err := tui.Run(context.Background(), os.Stdout, fmt.Sprintf("Run %s for %s", c.File, rid), phases); err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(ui.Field("Test", loaded.Test))
	fmt.Println(ui.Field("Run", started.TestID))
	fmt.Println(ui.Field("Result", ui.Result(started.Result)))
	return nil
}

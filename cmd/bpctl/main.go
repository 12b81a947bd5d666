package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/hopboxdev/bpshell/internal/rpcclient"
	"github.com/hopboxdev/bpshell/internal/target"
	"github.com/hopboxdev/bpshell/internal/version"
)

// CLI is the top-level Kong struct.
type CLI struct {
	Target      string        `short:"t" env:"BPCTL_TARGET" help:"Driver name from ~/.config/bpshell/targets/."`
	URL         string        `name:"url" env:"BPCTL_URL" help:"Driver URL, instead of a saved target."`
	Reservation string        `short:"r" env:"BPCTL_RESERVATION" help:"Reservation id the command runs for."`
	Timeout     time.Duration `default:"0s" help:"Per-call timeout; 0 waits as long as the driver takes."`

	Targets TargetCmd  `cmd:"" name:"target" help:"Manage the driver registry."`
	Load    LoadCmd    `cmd:"" help:"Load a test configuration and reserve its ports."`
	Start   StartCmd   `cmd:"" help:"Start traffic."`
	Stop    StopCmd    `cmd:"" help:"Stop traffic and release the ports."`
	Stats   StatsCmd   `cmd:"" help:"Fetch statistics of the last run."`
	Results ResultsCmd `cmd:"" help:"Attach the report of the last run to the reservation."`
	Export  ExportCmd  `cmd:"" help:"Export a test from the appliance into the driver's test files."`
	RunTest RunCmd     `cmd:"" name:"run" help:"Load, run, collect and release in one go."`
	Cleanup CleanupCmd `cmd:"" help:"Release everything a reservation holds."`
	Groups  GroupsCmd  `cmd:"" help:"List test groups in use."`
	Version VersionCmd `cmd:"" help:"Print version."`
}

func main() {
	var cli CLI
	k, err := kong.New(&cli,
		kong.Name("bpctl"),
		kong.Description("Control a BreakingPoint driver"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			NoExpandSubcommands: true,
			Compact:             true,
		}),
	)
	if err != nil {
		panic(err)
	}

	args := os.Args[1:]
	if len(args) == 0 || (len(args) == 1 && args[0] == "help") {
		_, _ = k.Parse([]string{"--help"})
		os.Exit(0)
	}

	ctx, err := k.Parse(args)
	k.FatalIfErrorf(err)
	k.FatalIfErrorf(ctx.Run(&cli))
}

// client returns the RPC client for the selected driver, and the default
// reservation saved with its target.
func (g *CLI) client() (*rpcclient.Client, string, error) {
	if g.URL != "" {
		t := &target.Target{Name: "url", URL: g.URL}
		if err := t.Validate(); err != nil {
			return nil, "", err
		}
		return rpcclient.New(t.RPCURL(), g.Timeout), "", nil
	}
	if g.Target == "" {
		return nil, "", errors.New("--target <name> or --url required")
	}
	t, err := target.Load(g.Target)
	if err != nil {
		return nil, "", err
	}
	return rpcclient.New(t.RPCURL(), g.Timeout), t.Reservation, nil
}

// session returns the client and the reservation the command runs for.
func (g *CLI) session() (*rpcclient.Client, string, error) {
	c, saved, err := g.client()
	if err != nil {
		return nil, "", err
	}
	rid := g.Reservation
	if rid == "" {
		rid = saved
	}
	if rid == "" {
		return nil, "", errors.New("--reservation <id> required")
	}
	return c, rid, nil
}

// VersionCmd prints version info.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.String("bpctl"))
	return nil
}

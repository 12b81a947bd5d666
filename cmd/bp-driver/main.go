package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/hopboxdev/bpshell/internal/version"
)

const defaultConfigPath = "/etc/bpshell/driver.toml"

// CLI is the top-level Kong struct.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run the driver control API."`
	Seal    SealCmd    `cmd:"" help:"Encrypt the appliance password with the local key."`
	Config  ConfigCmd  `cmd:"" help:"Inspect the driver configuration."`
	Version VersionCmd `cmd:"" help:"Print version."`
}

func main() {
	var cli CLI
	k, err := kong.New(&cli,
		kong.Name("bp-driver"),
		kong.Description("BreakingPoint traffic generator driver"),
		kong.UsageOnError(),
		kong.Vars{"config_path": defaultConfigPath},
		kong.ConfigureHelp(kong.HelpOptions{
			NoExpandSubcommands: true,
			Compact:             true,
		}),
	)
	if err != nil {
		panic(err)
	}

	args := os.Args[1:]
	if len(args) == 0 {
		_, _ = k.Parse([]string{"--help"})
		os.Exit(0)
	}

	ctx, err := k.Parse(args)
	k.FatalIfErrorf(err)
	k.FatalIfErrorf(ctx.Run())
}

// VersionCmd prints version info.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.String("bp-driver"))
	return nil
}

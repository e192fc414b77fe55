package server

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Polled-TCP/config"
	"github.com/Clouded-Sabre/Polled-TCP/core"
)

// Command implements subcommands.Command for the "serve" command.
type Command struct {
	configPath string
	bufSize    int
}

// Name implements subcommands.Command.Name.
func (*Command) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Command) Synopsis() string {
	return "echo on every reception point and UDP endpoint of the configuration"
}

// Usage implements subcommands.Command.Usage.
func (*Command) Usage() string {
	return "serve [-config <file>] [-buffer <bytes>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Command) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "config.yaml", "stack configuration file")
	f.IntVar(&c.bufSize, "buffer", 0, "read buffer per connection, defaults to the MSS")
}

// Execute implements subcommands.Command.Execute. It runs until ctx is done.
func (c *Command) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	stackCfg, linkCfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		fmt.Printf("configuration file error: %v\n", err)
		return subcommands.ExitFailure
	}
	cr, err := core.NewCore(stackCfg, linkCfg, "polltcp-serve")
	if err != nil {
		fmt.Printf("%v\n", err)
		return subcommands.ExitFailure
	}

	var reps, udps []int
	for i := range stackCfg.Reps {
		reps = append(reps, i+1)
	}
	for i := range stackCfg.UDPEndpoints {
		udps = append(udps, i+1)
	}
	if err := New(cr, c.bufSize).Serve(ctx, reps, udps); err != nil {
		logrus.Errorf("serve: %v", err)
		cr.Close()
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

package client

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/subcommands"

	"github.com/Clouded-Sabre/Polled-TCP/config"
	"github.com/Clouded-Sabre/Polled-TCP/core"
	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// Command implements subcommands.Command for the "echo" command.
type Command struct {
	configPath string
	server     string
	channel    int
	count      int
	interval   time.Duration
	message    string
	retries    int
	aggressive bool
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Command) Name() string {
	return "echo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Command) Synopsis() string {
	return "send messages to an echo server and check the replies"
}

// Usage implements subcommands.Command.Usage.
func (*Command) Usage() string {
	return "echo -server <addr:port> [-config <file>] [-count <n>] [-interval <duration>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Command) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "config.yaml", "stack configuration file")
	f.StringVar(&c.server, "server", "127.0.0.2:7080", "server address and port")
	f.IntVar(&c.channel, "channel", 0, "channel to connect from")
	f.IntVar(&c.count, "count", 0, "number of messages, 0 to run until interrupted")
	f.DurationVar(&c.interval, "interval", 500*time.Millisecond, "interval between messages")
	f.StringVar(&c.message, "message", "Echo message", "message prefix")
	f.IntVar(&c.retries, "retries", 10, "reconnection attempts, -1 for no limit")
	f.BoolVar(&c.aggressive, "aggressive", false, "reconnect quickly with short backoff, for testing")
	f.DurationVar(&c.timeout, "timeout", 5*time.Second, "timeout of each connection attempt")
}

// Execute implements subcommands.Command.Execute.
func (c *Command) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	server, err := netip.ParseAddrPort(c.server)
	if err != nil || f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	stackCfg, linkCfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		fmt.Printf("configuration file error: %v\n", err)
		return subcommands.ExitFailure
	}
	cr, err := core.NewCore(stackCfg, linkCfg, "polltcp-echo")
	if err != nil {
		fmt.Printf("%v\n", err)
		return subcommands.ExitFailure
	}
	defer cr.Close()

	rc := c.reconnectConfig(f)
	tmo := lib.Timeout(c.timeout / (lib.TickInterval * time.Millisecond))
	if tmo <= 0 {
		tmo = lib.TmoForever
	}
	cl := New(NewDialer(cr, c.channel, server, tmo, rc))
	runErr := cl.Run(ctx, c.count, c.interval, c.message)
	cl.Close()

	st := cl.Stats()
	fmt.Printf("\n=== Echo Client Statistics ===\n")
	fmt.Printf("Total packets sent: %d\n", st.Sent)
	fmt.Printf("Successful echoes: %d\n", st.Matched)
	fmt.Printf("Failed echoes: %d\n", st.Failed)
	fmt.Printf("Reconnections: %d\n", st.Reconnects)
	if st.Sent > 0 {
		fmt.Printf("Success rate: %.1f%%\n", float64(st.Matched)/float64(st.Sent)*100)
	}
	if runErr != nil {
		fmt.Printf("%v\n", runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// reconnectConfig picks the reconnection profile. An explicit -retries
// overrides the profile's attempt count.
func (c *Command) reconnectConfig(f *flag.FlagSet) *ReconnectConfig {
	rc := DefaultReconnectConfig()
	if c.aggressive {
		rc = AggressiveReconnectConfig()
	}
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == "retries" {
			rc.MaxRetries = c.retries
		}
	})
	return rc
}

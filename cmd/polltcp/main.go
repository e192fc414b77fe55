// Binary polltcp runs the polled TCP/IP stack over raw IP sockets, either as
// an echo server or as an echo client.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/Clouded-Sabre/Polled-TCP/client"
	"github.com/Clouded-Sabre/Polled-TCP/server"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(server.Command), "")
	subcommands.Register(new(client.Command), "")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status := subcommands.Execute(ctx)
	stop()
	os.Exit(int(status))
}

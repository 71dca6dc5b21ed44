// Command netcorectl is a debug CLI over an in-process demo stack: it boots
// a Stack with the loopback interface and one sample route, then
// dumps whichever table the subcommand names.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&routesCmd{}, "")
	subcommands.Register(&interfacesCmd{}, "")
	subcommands.Register(&socketsCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/google/subcommands"
)

type routesCmd struct {
	csv bool
}

func (*routesCmd) Name() string     { return "routes" }
func (*routesCmd) Synopsis() string { return "list routes installed in the demo stack" }
func (*routesCmd) Usage() string    { return "routes [-csv]\n\nDump the routing table.\n" }

func (c *routesCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.csv, "csv", false, "dump as CSV instead of a table")
}

func (c *routesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, _, err := demoStack(ctx)
	if err != nil {
		log.Print(err)
		return subcommands.ExitFailure
	}
	defer s.Shutdown()

	dom := s.Domain(familyINET)
	if c.csv {
		out, err := dom.DumpRoutesCSV()
		if err != nil {
			log.Print(err)
			return subcommands.ExitFailure
		}
		fmt.Print(out)
		return subcommands.ExitSuccess
	}

	for _, r := range dom.List() {
		fmt.Printf("dest=%s mask=%s gateway=%s flags=%d mtu=%d\n",
			formatDisplayAddr(r.Dest), formatDisplayAddr(r.Mask), formatDisplayAddr(r.Gateway), r.Flags, r.MTU)
	}
	return subcommands.ExitSuccess
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/google/subcommands"
)

type interfacesCmd struct{}

func (*interfacesCmd) Name() string     { return "interfaces" }
func (*interfacesCmd) Synopsis() string { return "list interfaces in the demo stack" }
func (*interfacesCmd) Usage() string    { return "interfaces\n\nList interfaces and their addresses.\n" }
func (*interfacesCmd) SetFlags(*flag.FlagSet) {}

func (c *interfacesCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, _, err := demoStack(ctx)
	if err != nil {
		log.Print(err)
		return subcommands.ExitFailure
	}
	defer s.Shutdown()

	ifc, err := s.Ifaces.ByName(s.Config.Loopback.Name)
	if err != nil {
		log.Print(err)
		return subcommands.ExitFailure
	}

	fmt.Printf("%d: %s mtu %d flags 0x%x\n", ifc.Index, ifc.Name, ifc.MTU, ifc.Flags)
	for _, addr := range ifc.Addresses(familyINET) {
		fmt.Printf("    inet %s\n", formatDisplayAddr(addr.Local))
	}
	return subcommands.ExitSuccess
}

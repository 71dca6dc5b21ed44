package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/google/subcommands"
)

type socketsCmd struct{}

func (*socketsCmd) Name() string     { return "sockets" }
func (*socketsCmd) Synopsis() string { return "list sockets in the demo stack" }
func (*socketsCmd) Usage() string    { return "sockets\n\nList sockets and their state.\n" }
func (*socketsCmd) SetFlags(*flag.FlagSet) {}

func (c *socketsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	s, sockets, err := demoStack(ctx)
	if err != nil {
		log.Print(err)
		return subcommands.ExitFailure
	}
	defer s.Shutdown()

	for _, sk := range sockets {
		fmt.Printf("family=%d type=%d proto=%d state=%s local=%s\n",
			sk.Family, sk.Type, sk.Protocol, sk.State(), formatDisplayAddr(sk.Address()))
	}
	return subcommands.ExitSuccess
}

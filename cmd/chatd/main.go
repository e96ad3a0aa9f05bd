package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/foundxnet/chatkit/internal/daemon"
	"github.com/foundxnet/chatkit/internal/session"
)

func main() {
	identityFlag := flag.String("identity", "", "identity to run as (overrides config default)")
	flag.Parse()

	identity := session.Resolve(*identityFlag)
	if err := session.ValidateIdentity(identity); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Identity: identity}),
	)

	app.Run()
}

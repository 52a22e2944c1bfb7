package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/mailchat/mailchat/internal/account"
	"github.com/mailchat/mailchat/internal/daemon"
)

func main() {
	accountFlag := flag.String("account", "default", "account name")
	flag.Parse()

	if err := account.ValidateName(*accountFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{AccountName: *accountFlag}),
	)

	app.Run()
}

package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/inline/internal/daemon"
	"github.com/matheus3301/inline/internal/session"
)

var version = "dev"

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version)
		return
	}

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, ClientVersion: "inlined/" + version}),
	)

	app.Run()
}

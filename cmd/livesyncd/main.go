package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/matheus3301/livesync/internal/daemon"
	"github.com/matheus3301/livesync/internal/lock"
	"github.com/matheus3301/livesync/internal/profile"
	flag "github.com/spf13/pflag"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.StringP("profile", "p", "", "profile name (overrides config default)")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: name}),
		daemon.WithLogger(),
	)
	if err := app.Err(); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "error: profile %q is already served by pid %d\n", name, held.Holder.PID)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	app.Run()
}

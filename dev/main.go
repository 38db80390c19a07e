package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
)

func create(recreate, withStack bool) error {
	_, err := os.Stat("go.mod")
	if os.IsNotExist(err) {
		return fmt.Errorf("the dev environment must be created in the repository root (the same directory as the 'go.mod' file)")
	}

	if recreate {
		err = os.RemoveAll(stateDir)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	err = os.MkdirAll(stateDir, 0777)
	if err != nil && !os.IsExist(err) {
		return err
	}

	if withStack {
		err = CreateLocalStack()
		if err != nil {
			return err
		}
	}
	err = CreateRegistry()
	if err != nil {
		return err
	}
	err = CreateSecrets()
	if err != nil {
		return err
	}
	PrintConfigLocations()

	return nil
}

func main() {
	recreate := flag.Bool("recreate", false, "recreate the dev environment from scratch")
	withStack := flag.Bool("stack", true, "start the local mail stack with docker compose")
	flag.Parse()

	err := create(*recreate, *withStack)
	if err != nil {
		slog.Error("failed to create dev environment", "err", err.Error())
		os.Exit(1)
	}

	slog.Info("dev environment created sucessfully!")
}

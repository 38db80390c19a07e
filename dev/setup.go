package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"reviewtrail/internal/components/db"
)

const stateDir = "dev/.state"

func cmd(name string, args ...string) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fmt.Printf("$ %s %s\n", name, strings.Join(args, " "))
	err := cmd.Run()
	if err != nil {
		os.Exit(1)
	}
}

func CreateLocalStack() error {
	err := os.Chdir("dev/local_stack")
	if err != nil {
		return err
	}
	cmd("docker", "compose", "up", "-d")
	return os.Chdir("../..")
}

// CreateRegistry creates the run registry and cache index database the dev
// config points at.
func CreateRegistry() error {
	path := filepath.Join(stateDir, "reviewtrail.db")
	_, err := os.Stat(path)
	if err == nil {
		fmt.Println("database already created at", path)
		return nil
	}

	fmt.Println("creating database at", path)
	conn, err := db.Open(context.Background(), db.Config{File: path})
	if err != nil {
		return err
	}
	return conn.Close()
}

const secretsTemplate = `{
  // credentials are keyed by "<platform>/<account id>"
  accounts: {
    "journal/editor": {
      username: "editor@example.test",
      password: "",
    },
  },
}
`

func CreateSecrets() error {
	path := filepath.Join(stateDir, "secrets.json5")
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	fmt.Println("writing secrets template to", path)
	return os.WriteFile(path, []byte(secretsTemplate), 0600)
}

func PrintConfigLocations() {
	slog.Info("fill in the password in dev/.state/secrets.json5, then run `go run ./cmd/reviewtrail --config dev/config.json5 run`. overrides go in dev/config.local.json5.")
}

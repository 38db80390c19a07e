// Package secrets loads platform credentials from a json5 file that lives
// outside the repository, `<name>.local.json5` overrides are honored.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"reviewtrail/internal/components/configutil"
	"reviewtrail/internal/session"
)

var ErrMissing = errors.New("no credentials for account")

type file struct {
	// Accounts is keyed by Account.Key(), eg. "journal/editor".
	Accounts map[string]session.Credentials `json:"accounts"`
}

// FileStore reads the secrets file on every Load so rotated credentials are
// picked up by the next login cycle without a restart.
type FileStore struct {
	path string
	// env takes precedence over the file when set, it is swapped in tests.
	env func(string) string
}

func NewFileStore(path string) FileStore {
	return FileStore{path: path, env: os.Getenv}
}

func envName(account session.Account, field string) string {
	key := strings.ToUpper(account.Platform + "_" + account.ID)
	key = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
	return fmt.Sprintf("REVIEWTRAIL_%s_%s", key, field)
}

func (s FileStore) Load(ctx context.Context, account session.Account) (session.Credentials, error) {
	creds := session.Credentials{
		Username: s.env(envName(account, "USERNAME")),
		Password: s.env(envName(account, "PASSWORD")),
	}
	if creds.Username != "" && creds.Password != "" {
		return creds, nil
	}

	f, err := configutil.ReadConfig[file](s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return session.Credentials{}, fmt.Errorf("read secrets: %w", err)
	}
	stored, ok := f.Accounts[account.Key()]
	if creds.Username == "" {
		creds.Username = stored.Username
	}
	if creds.Password == "" {
		creds.Password = stored.Password
	}
	if !ok && (creds.Username == "" || creds.Password == "") {
		return session.Credentials{}, fmt.Errorf("%s: %w", account.Key(), ErrMissing)
	}
	if creds.Username == "" || creds.Password == "" {
		return session.Credentials{}, fmt.Errorf("%s: incomplete credentials: %w", account.Key(), ErrMissing)
	}
	return creds, nil
}

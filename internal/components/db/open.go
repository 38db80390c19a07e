package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

type Config struct {
	// File is a local sqlite path or a remote libsql:// / https:// url.
	File      string `json:"file"`
	AuthToken string `json:"auth_token"`
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "libsql://") ||
		strings.HasPrefix(path, "https://") ||
		strings.HasPrefix(path, "http://")
}

// Open opens the database described by config and applies the schema.
func Open(ctx context.Context, config Config) (*sql.DB, error) {
	if config.File == "" {
		return nil, fmt.Errorf("a database path was not specified")
	}

	var (
		conn *sql.DB
		err  error
	)
	if isRemote(config.File) {
		dsn := config.File
		if config.AuthToken != "" {
			dsn = fmt.Sprintf("%s?authToken=%s", dsn, url.QueryEscape(config.AuthToken))
		}
		conn, err = sql.Open("libsql", dsn)
		if err != nil {
			return nil, err
		}
	} else {
		conn, err = openSqlite(config.File)
		if err != nil {
			return nil, err
		}
	}

	_, err = conn.ExecContext(ctx, Schema)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return conn, nil
}

func openSqlite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite only supports one writer at a time
	conn.SetMaxOpenConns(1)
	if path != ":memory:" {
		_, err = conn.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

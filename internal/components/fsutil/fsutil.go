package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mazen160/go-random"
)

// WriteAtomic writes data next to path under a random suffix and renames it
// into place, readers never observe a partially written file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return err
	}

	nonce, err := random.String(8)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, nonce)

	err = os.WriteFile(tmp, data, perm)
	if err != nil {
		return err
	}
	err = os.Rename(tmp, path)
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SafeName turns an arbitrary remote identifier into a single path segment.
func SafeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	name = strings.Trim(name, ".")
	if name == "" {
		return "_"
	}
	return name
}

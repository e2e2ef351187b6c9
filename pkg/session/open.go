package session

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// OpenStore opens the profile store named by kind: "file" (YAML), "sqlite"
// or "memory". Parent directories of path are created as needed.
func OpenStore(kind, path string) (Store, error) {
	switch kind {
	case "memory":
		return NewMemoryStore(), nil
	case "file", "":
		return NewFileStore(path)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite session store: create directory")
		}
		dsn, err := SQLiteDSNForFile(path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("session: unknown store kind %q", kind)
	}
}

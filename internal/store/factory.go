package store

import (
	"context"
	"fmt"
	"strings"
)

// SupportedDrivers lists all available store drivers.
var SupportedDrivers = []string{"bbolt", "sqlite", "postgres"}

// Open creates a Store for the given driver.
//   - "bbolt": embedded BoltDB file at path (default, single process)
//   - "sqlite": SQLite file at path (single node, readable with standard tooling)
//   - "postgres": shared database at dsn, required for multiple instances
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))

	switch driver {
	case "bbolt", "":
		if path == "" {
			return nil, fmt.Errorf("store path is required")
		}
		s, err := NewBoltStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		if path == "" {
			return nil, fmt.Errorf("store path is required")
		}
		s, err := NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres", "postgresql":
		if dsn == "" {
			return nil, fmt.Errorf("store dsn is required for postgres")
		}
		s, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s (supported: %v)", driver, SupportedDrivers)
	}
}

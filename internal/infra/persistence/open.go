// Package persistence selects a persistence backend by driver name.
package persistence

import (
	"fmt"

	"coherencecore/internal/infra/persistence/memory"
	"coherencecore/internal/infra/persistence/postgres"
	"coherencecore/internal/infra/persistence/sqlite"
	"coherencecore/pkg/domain"
)

// Open constructs a store for the named driver. Path configures sqlite, dsn
// configures postgres; memory ignores both.
func Open(driver, path, dsn string) (domain.PersistentStore, error) {
	switch driver {
	case "memory", "":
		return memory.NewStore(), nil
	case "sqlite":
		return sqlite.NewStore(path)
	case "postgres":
		return postgres.NewStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

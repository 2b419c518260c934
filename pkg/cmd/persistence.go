package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/persistence/file"
	"github.com/funnelflow/funnelflow/pkg/persistence/memory"
	"github.com/funnelflow/funnelflow/pkg/persistence/postgresql"
	"github.com/funnelflow/funnelflow/pkg/protocol"
	subjects "github.com/funnelflow/funnelflow/pkg/subjects/memory"
)

var ErrUnsupportedPersistence = errors.New("unsupported persistence provider")

var supportedPersistenceProviders = []string{"file", "memory", "postgres", "postgresql"}

// Stores is the storage a process runs on: the automation persistence and the CRM
// subject collaborator.
type Stores struct {
	Persistence persistence.Persistence
	Subjects    protocol.SubjectStore
}

// NewStores opens the backend named by the scheme of databaseURL. Postgres serves subjects
// from the same database; the other backends use an in-process subject store.
func NewStores(ctx context.Context, logger *slog.Logger, databaseURL string) (*Stores, error) {
	switch ParsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		db, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return &Stores{Persistence: db, Subjects: db.SubjectRepository()}, nil
	case "memory":
		return &Stores{Persistence: memory.NewPersistence(), Subjects: subjects.NewStore()}, nil
	case "file":
		return &Stores{Persistence: file.NewPersistence(databaseURL), Subjects: subjects.NewStore()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPersistence, databaseURL)
	}
}

// ParsePersistenceProvider returns the scheme of databaseURL. A bare path means "file".
func ParsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return provider
}

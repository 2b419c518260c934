// Package postgresql provides the PostgreSQL persistence implementation for automation
// graphs, runs, continuations, schedules and the shared CRM subject tables.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db               *sql.DB
	logger           *slog.Logger
	graphRepo        *GraphRepository
	runRepo          *RunRepository
	continuationRepo *ContinuationRepository
	scheduleRepo     *ScheduleRepository
	subjectRepo      *SubjectRepository
}

// NewPersistence opens the database, runs pending migrations and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")
	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:               database,
		logger:           logger,
		graphRepo:        NewGraphRepository(database, logger),
		runRepo:          NewRunRepository(database, logger),
		continuationRepo: NewContinuationRepository(database, logger),
		scheduleRepo:     NewScheduleRepository(database, logger),
		subjectRepo:      NewSubjectRepository(database, logger),
	}, nil
}

func (p *Persistence) GraphRepository() persistence.GraphRepository { return p.graphRepo }

func (p *Persistence) RunRepository() persistence.RunRepository { return p.runRepo }

func (p *Persistence) ContinuationRepository() persistence.ContinuationRepository {
	return p.continuationRepo
}

func (p *Persistence) ScheduleRepository() persistence.ScheduleRepository { return p.scheduleRepo }

// SubjectRepository exposes the CRM subject tables living in the same database.
func (p *Persistence) SubjectRepository() *SubjectRepository { return p.subjectRepo }

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

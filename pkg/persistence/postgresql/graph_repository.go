package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
)

const graphColumns = `
			id
		  , organization_id
		  , name
		  , description
		  , enabled
		  , trigger_type
		  , created_at
		  , updated_at
		  , disabled_at`

// GraphRepository handles automation graph database operations.
type GraphRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewGraphRepository creates a new graph repository.
func NewGraphRepository(db *sql.DB, logger *slog.Logger) *GraphRepository {
	return &GraphRepository{db: db, logger: logger}
}

// SaveGraph upserts the graph and replaces its nodes and edges in one transaction.
func (r *GraphRepository) SaveGraph(ctx context.Context, graph *models.AutomationGraph) (err error) {
	now := time.Now().UTC()

	if graph.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate graph ID: %w", err)
		}

		graph.ID = id.String()
	}

	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}

	graph.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automation_graphs (id, organization_id, name, description, enabled, trigger_type,
			created_at, updated_at, disabled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			trigger_type = EXCLUDED.trigger_type,
			updated_at = EXCLUDED.updated_at,
			disabled_at = EXCLUDED.disabled_at
	`,
		graph.ID,
		graph.OrganizationID,
		graph.Name,
		graph.Description,
		graph.Enabled,
		graph.TriggerType,
		graph.CreatedAt,
		graph.UpdatedAt,
		graph.DisabledAt,
	)
	if err != nil {
		return persistence.NewGraphError("SaveGraph", graph.ID, err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM automation_edges WHERE graph_id = $1", graph.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing edges: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM automation_nodes WHERE graph_id = $1", graph.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing nodes: %w", err)
	}

	for ordinal, node := range graph.Nodes {
		configJSON, marshalErr := json.Marshal(node.Config)
		if marshalErr != nil {
			err = fmt.Errorf("failed to marshal config of node %s: %w", node.ID, marshalErr)

			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_nodes (graph_id, id, kind, name, config, position_x, position_y, ordinal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, graph.ID, node.ID, node.Kind, node.Name, configJSON, node.PositionX, node.PositionY, ordinal)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", node.ID, err)
		}
	}

	for ordinal, edge := range graph.Edges {
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s->%s:%s", edge.SourceNodeID, edge.TargetNodeID, edge.BranchKey)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_edges (graph_id, id, source_node_id, target_node_id, branch_key, ordinal)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, graph.ID, edge.ID, edge.SourceNodeID, edge.TargetNodeID, edge.BranchKey, ordinal)
		if err != nil {
			return fmt.Errorf("failed to save edge %s: %w", edge.ID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit graph %s: %w", graph.ID, err)
	}

	return nil
}

// GraphByID returns the graph with its nodes and edges.
func (r *GraphRepository) GraphByID(ctx context.Context, id string) (*models.AutomationGraph, error) {
	row := r.db.QueryRowContext(ctx, "SELECT"+graphColumns+" FROM automation_graphs WHERE id = $1", id)

	graph, err := r.scanGraph(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewGraphError("GraphByID", id, persistence.ErrGraphNotFound)
		}

		return nil, fmt.Errorf("failed to scan graph: %w", err)
	}

	if err := r.loadNodesAndEdges(ctx, graph); err != nil {
		return nil, err
	}

	return graph, nil
}

// Graphs returns every graph of the organization, oldest first.
func (r *GraphRepository) Graphs(ctx context.Context, organizationID string) ([]*models.AutomationGraph, error) {
	return r.queryGraphs(ctx, `
		SELECT`+graphColumns+`
		FROM automation_graphs
		WHERE ($1::text = '' OR organization_id = $1)
		ORDER BY created_at, id
	`, organizationID)
}

// EnabledGraphs returns the executable graphs listening for eventType.
func (r *GraphRepository) EnabledGraphs(
	ctx context.Context,
	organizationID string,
	eventType models.EventType,
) ([]*models.AutomationGraph, error) {
	return r.queryGraphs(ctx, `
		SELECT`+graphColumns+`
		FROM automation_graphs
		WHERE enabled AND disabled_at IS NULL
		  AND trigger_type = $2
		  AND ($1::text = '' OR organization_id = $1)
		ORDER BY created_at, id
	`, organizationID, eventType)
}

// DisableGraph soft-disables the graph.
func (r *GraphRepository) DisableGraph(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE automation_graphs
		SET enabled = false, disabled_at = $2, updated_at = $2
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return persistence.NewGraphError("DisableGraph", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewGraphError("DisableGraph", id, persistence.ErrGraphNotFound)
	}

	return nil
}

func (r *GraphRepository) queryGraphs(ctx context.Context, query string, args ...any) ([]*models.AutomationGraph, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query graphs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	graphs := make([]*models.AutomationGraph, 0)

	for rows.Next() {
		graph, err := r.scanGraph(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan graph: %w", err)
		}

		graphs = append(graphs, graph)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating graphs: %w", err)
	}

	for _, graph := range graphs {
		if err := r.loadNodesAndEdges(ctx, graph); err != nil {
			return nil, err
		}
	}

	return graphs, nil
}

func (r *GraphRepository) loadNodesAndEdges(ctx context.Context, graph *models.AutomationGraph) error {
	nodeRows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, name, config, position_x, position_y
		FROM automation_nodes
		WHERE graph_id = $1
		ORDER BY ordinal
	`, graph.ID)
	if err != nil {
		return fmt.Errorf("failed to query nodes of graph %s: %w", graph.ID, err)
	}

	defer closeRows(ctx, r.logger, nodeRows)

	graph.Nodes = make([]*models.Node, 0)

	for nodeRows.Next() {
		var (
			node       models.Node
			configJSON []byte
		)

		err := nodeRows.Scan(&node.ID, &node.Kind, &node.Name, &configJSON, &node.PositionX, &node.PositionY)
		if err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}

		if err := json.Unmarshal(configJSON, &node.Config); err != nil {
			return fmt.Errorf("failed to unmarshal config of node %s: %w", node.ID, err)
		}

		graph.Nodes = append(graph.Nodes, &node)
	}

	if err := nodeRows.Err(); err != nil {
		return fmt.Errorf("error iterating nodes: %w", err)
	}

	edgeRows, err := r.db.QueryContext(ctx, `
		SELECT id, source_node_id, target_node_id, branch_key
		FROM automation_edges
		WHERE graph_id = $1
		ORDER BY ordinal
	`, graph.ID)
	if err != nil {
		return fmt.Errorf("failed to query edges of graph %s: %w", graph.ID, err)
	}

	defer closeRows(ctx, r.logger, edgeRows)

	graph.Edges = make([]*models.Edge, 0)

	for edgeRows.Next() {
		var edge models.Edge
		if err := edgeRows.Scan(&edge.ID, &edge.SourceNodeID, &edge.TargetNodeID, &edge.BranchKey); err != nil {
			return fmt.Errorf("failed to scan edge: %w", err)
		}

		graph.Edges = append(graph.Edges, &edge)
	}

	if err := edgeRows.Err(); err != nil {
		return fmt.Errorf("error iterating edges: %w", err)
	}

	return nil
}

func (r *GraphRepository) scanGraph(scanner rowScanner) (*models.AutomationGraph, error) {
	var (
		graph      models.AutomationGraph
		disabledAt sql.NullTime
	)

	err := scanner.Scan(
		&graph.ID,
		&graph.OrganizationID,
		&graph.Name,
		&graph.Description,
		&graph.Enabled,
		&graph.TriggerType,
		&graph.CreatedAt,
		&graph.UpdatedAt,
		&disabledAt,
	)
	if err != nil {
		return nil, err
	}

	if disabledAt.Valid {
		graph.DisabledAt = &disabledAt.Time
	}

	return &graph, nil
}

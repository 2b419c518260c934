package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/funnelflow/funnelflow/pkg/models"
	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/google/uuid"
)

// GraphRepository stores one graph per JSON file under <root>/graphs.
type GraphRepository struct {
	mu   sync.RWMutex
	root string
}

// NewGraphRepository creates a new graph repository.
func NewGraphRepository(root string) *GraphRepository {
	return &GraphRepository{root: root}
}

// LoadGraph decodes a single graph document from path.
func LoadGraph(filePath string) (*models.AutomationGraph, error) {
	body, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file %s: %w", filePath, err)
	}

	var graph models.AutomationGraph

	if err := json.Unmarshal(body, &graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph file %s: %w", filePath, err)
	}

	return &graph, nil
}

// SaveGraph writes the graph document.
func (gr *GraphRepository) SaveGraph(_ context.Context, graph *models.AutomationGraph) error {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	err := os.MkdirAll(path.Join(gr.root, "graphs"), 0750)
	if err != nil {
		return fmt.Errorf("failed to create graphs directory: %w", err)
	}

	if graph.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate graph ID: %w", err)
		}

		graph.ID = id.String()
	}

	now := time.Now().UTC()
	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}

	graph.UpdatedAt = now

	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal graph %s: %w", graph.ID, err)
	}

	return os.WriteFile(gr.graphPath(graph.ID), data, 0600)
}

// GraphByID reads the graph document.
func (gr *GraphRepository) GraphByID(_ context.Context, id string) (*models.AutomationGraph, error) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()

	return gr.read(id)
}

// Graphs lists the graphs of an organization, oldest first.
func (gr *GraphRepository) Graphs(_ context.Context, organizationID string) ([]*models.AutomationGraph, error) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()

	return gr.list(func(graph *models.AutomationGraph) bool {
		return organizationID == "" || graph.OrganizationID == organizationID
	})
}

// EnabledGraphs lists the executable graphs listening for eventType.
func (gr *GraphRepository) EnabledGraphs(
	_ context.Context,
	organizationID string,
	eventType models.EventType,
) ([]*models.AutomationGraph, error) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()

	return gr.list(func(graph *models.AutomationGraph) bool {
		return graph.IsExecutable() && graph.TriggerType == eventType &&
			(organizationID == "" || graph.OrganizationID == organizationID)
	})
}

// DisableGraph rewrites the document with the graph disabled.
func (gr *GraphRepository) DisableGraph(ctx context.Context, id string, at time.Time) error {
	gr.mu.RLock()
	graph, err := gr.read(id)
	gr.mu.RUnlock()

	if err != nil {
		return err
	}

	graph.Enabled = false
	graph.DisabledAt = &at

	return gr.SaveGraph(ctx, graph)
}

func (gr *GraphRepository) graphPath(id string) string {
	return filepath.Clean(path.Join(gr.root, "graphs", id+".json"))
}

func (gr *GraphRepository) read(id string) (*models.AutomationGraph, error) {
	if strings.ContainsAny(id, `/\`) {
		return nil, persistence.NewGraphError("GraphByID", id, persistence.ErrGraphNotFound)
	}

	graph, err := LoadGraph(gr.graphPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewGraphError("GraphByID", id, persistence.ErrGraphNotFound)
		}

		return nil, err
	}

	return graph, nil
}

func (gr *GraphRepository) list(keep func(*models.AutomationGraph) bool) ([]*models.AutomationGraph, error) {
	graphs := make([]*models.AutomationGraph, 0)

	root := os.DirFS(path.Join(gr.root, "graphs"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list graph files: %w", err)
	}

	for _, file := range jsonFiles {
		graph, err := gr.read(strings.TrimSuffix(file, ".json"))
		if err != nil {
			if persistence.IsGraphNotFound(err) {
				continue
			}

			return nil, err
		}

		if keep(graph) {
			graphs = append(graphs, graph)
		}
	}

	sort.Slice(graphs, func(i, j int) bool {
		if graphs[i].CreatedAt.Equal(graphs[j].CreatedAt) {
			return graphs[i].ID < graphs[j].ID
		}

		return graphs[i].CreatedAt.Before(graphs[j].CreatedAt)
	})

	return graphs, nil
}

// Package file provides a persistence implementation whose automation graphs live as
// JSON documents on the file system. Runs, continuations and schedules are kept in
// process memory, so this backend suits single-process deployments and local authoring.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/funnelflow/funnelflow/pkg/persistence"
	"github.com/funnelflow/funnelflow/pkg/persistence/memory"
)

// Persistence implements persistence.Persistence on top of a graph directory.
type Persistence struct {
	*memory.Persistence

	root      string
	graphRepo *GraphRepository
}

// NewPersistence creates a file persistence rooted at root. A "file://" prefix is accepted.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		Persistence: memory.NewPersistence(),
		root:        cleanRoot,
		graphRepo:   NewGraphRepository(cleanRoot),
	}
}

// GraphRepository returns the file-backed graph repository.
func (fp *Persistence) GraphRepository() persistence.GraphRepository {
	return fp.graphRepo
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

package store

import (
	"fmt"

	"github.com/msageha/selftestd/internal/logging"
)

// NewStore builds the backend named by kind ("file" or "memory").
func NewStore(kind, path, stateDir string, toolCount int, logger *logging.Logger) (Store, error) {
	switch kind {
	case "", "file":
		return NewFileStore(path, stateDir, toolCount, logger)
	case "memory":
		return NewMemoryStore(toolCount), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Backend names accepted in service config.
const (
	BackendPgvector = "pgvector"
	BackendQdrant   = "qdrant"
)

// OpenConfig selects a backend. DB is required for pgvector.
type OpenConfig struct {
	Backend      string
	DB           *gorm.DB
	EmbeddingDim int
	Qdrant       QdrantConfig
}

// Open builds the configured vector backend (default pgvector).
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendPgvector:
		s, err := NewPgvectorStore(cfg.DB, cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendQdrant:
		qcfg := cfg.Qdrant
		if qcfg.EmbeddingDim <= 0 {
			qcfg.EmbeddingDim = cfg.EmbeddingDim
		}
		s, err := NewQdrantStore(ctx, qcfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.Backend)
	}
}

package vectorstore

import (
	"context"
	"fmt"

	"scribeai/pkg/domain"
)

// Entry is one page of text and its embedding.
type Entry struct {
	Page      int
	Content   string
	Embedding []float32
}

// Store keeps one vector namespace per file. Query never applies a score
// threshold: it returns up to topK nearest entries of the namespace.
type Store interface {
	Upsert(ctx context.Context, namespace string, entries []Entry) error
	Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]domain.Passage, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

func validateEmbedding(embedding []float32, dim int) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if dim > 0 && len(embedding) != dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), dim)
	}
	return nil
}

func entryID(namespace string, page int) string {
	return fmt.Sprintf("%s:%d", namespace, page)
}

package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"scribeai/pkg/domain"
)

// MemoryStore is a brute-force cosine store used by tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[int]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[int]Entry)}
}

func (m *MemoryStore) Upsert(_ context.Context, namespace string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[int]Entry)
		m.namespaces[namespace] = ns
	}
	for _, e := range entries {
		if err := validateEmbedding(e.Embedding, 0); err != nil {
			return err
		}
		ns[e.Page] = e
	}
	return nil
}

func (m *MemoryStore) Query(_ context.Context, namespace string, embedding []float32, topK int) ([]domain.Passage, error) {
	if topK <= 0 {
		return []domain.Passage{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Passage, 0, len(m.namespaces[namespace]))
	for page, e := range m.namespaces[namespace] {
		res = append(res, domain.Passage{
			ID:      entryID(namespace, page),
			FileID:  namespace,
			Page:    page,
			Content: e.Content,
			Score:   cosine(embedding, e.Embedding),
		})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Score != res[j].Score {
			return res[i].Score > res[j].Score
		}
		return res[i].Page < res[j].Page
	})
	if len(res) > topK {
		res = res[:topK]
	}
	return res, nil
}

func (m *MemoryStore) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
	return nil
}

// Len reports how many entries a namespace holds.
func (m *MemoryStore) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[namespace])
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

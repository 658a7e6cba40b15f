package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"scribeai/pkg/domain"
)

const namespacePayloadKey = "namespace"

// QdrantConfig configures the Qdrant REST backend.
type QdrantConfig struct {
	URL          string
	APIKey       string
	Collection   string
	EmbeddingDim int
	Timeout      time.Duration
}

// QdrantStore keeps all namespaces in one cosine collection and isolates
// them with a payload filter on the file id.
type QdrantStore struct {
	url          string
	apiKey       string
	collection   string
	embeddingDim int
	client       *http.Client
}

// NewQdrantStore creates the collection when missing.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, errors.New("qdrant url required")
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = "scribe"
	}
	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = defaultEmbeddingDim
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	s := &QdrantStore{
		url:          url,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		collection:   collection,
		embeddingDim: dim,
		client:       &http.Client{Timeout: timeout},
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	status, err := s.doJSON(ctx, http.MethodGet, s.collectionURL(""), nil, nil)
	if err == nil {
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("check qdrant collection: %w", err)
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.embeddingDim,
			"distance": "Cosine",
		},
	}
	if _, err := s.doJSON(ctx, http.MethodPut, s.collectionURL(""), body, nil); err != nil {
		return fmt.Errorf("create qdrant collection: %w", err)
	}
	index := map[string]any{"field_name": namespacePayloadKey, "field_schema": "keyword"}
	if _, err := s.doJSON(ctx, http.MethodPut, s.collectionURL("/index?wait=true"), index, nil); err != nil {
		return fmt.Errorf("create qdrant namespace index: %w", err)
	}
	return nil
}

// Upsert writes entries; point ids are derived from namespace and page so
// re-ingesting a page overwrites it.
func (s *QdrantStore) Upsert(ctx context.Context, namespace string, entries []Entry) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return errors.New("namespace required")
	}
	if len(entries) == 0 {
		return nil
	}
	points := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if err := validateEmbedding(e.Embedding, s.embeddingDim); err != nil {
			return err
		}
		points = append(points, map[string]any{
			"id":     pointID(namespace, e.Page),
			"vector": e.Embedding,
			"payload": map[string]any{
				namespacePayloadKey: namespace,
				"page":              e.Page,
				"text":              e.Content,
			},
		})
	}
	_, err := s.doJSON(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": points}, nil)
	return err
}

// Query searches only within the namespace.
func (s *QdrantStore) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]domain.Passage, error) {
	if topK <= 0 {
		return []domain.Passage{}, nil
	}
	if err := validateEmbedding(embedding, s.embeddingDim); err != nil {
		return nil, err
	}
	req := map[string]any{
		"vector":       embedding,
		"limit":        topK,
		"with_payload": true,
		"filter":       namespaceFilter(namespace),
	}
	var resp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.doJSON(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	passages := make([]domain.Passage, 0, len(resp.Result))
	for _, r := range resp.Result {
		p := domain.Passage{ID: fmt.Sprint(r.ID), FileID: namespace, Score: r.Score}
		if v, ok := r.Payload["page"].(float64); ok {
			p.Page = int(v)
		}
		if v, ok := r.Payload["text"].(string); ok {
			p.Content = v
		}
		passages = append(passages, p)
	}
	return passages, nil
}

// DeleteNamespace removes all points of the namespace.
func (s *QdrantStore) DeleteNamespace(ctx context.Context, namespace string) error {
	body := map[string]any{"filter": namespaceFilter(namespace)}
	_, err := s.doJSON(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), body, nil)
	return err
}

func namespaceFilter(namespace string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": namespacePayloadKey, "match": map[string]any{"value": namespace}},
		},
	}
}

func pointID(namespace string, page int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(entryID(namespace, page))).String()
}

func (s *QdrantStore) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

func (s *QdrantStore) doJSON(ctx context.Context, method, url string, payload any, out any) (int, error) {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errResp struct {
			Status struct {
				Error string `json:"error"`
			} `json:"status"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Status.Error != "" {
			return resp.StatusCode, fmt.Errorf("qdrant %s %s: %s", method, url, errResp.Status.Error)
		}
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s", method, url, resp.Status)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("qdrant decode: %w", err)
	}
	return resp.StatusCode, nil
}

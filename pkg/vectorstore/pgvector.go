package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"scribeai/pkg/domain"
	"scribeai/pkg/store"
)

const defaultEmbeddingDim = 1536

// PageVectorModel is a page-level passage in a file namespace.
type PageVectorModel struct {
	ID        string           `gorm:"primaryKey"`
	Namespace string           `gorm:"not null;index"`
	Page      int              `gorm:"not null"`
	Content   string           `gorm:"type:text;not null"`
	Metadata  datatypes.JSON   `gorm:"type:jsonb"`
	Embedding *pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt time.Time        `gorm:"not null"`
}

// PgvectorStore implements Store on Postgres with the pgvector extension.
type PgvectorStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewPgvectorStore ensures the extension and table exist.
func NewPgvectorStore(db *gorm.DB, embeddingDim int) (*PgvectorStore, error) {
	if db == nil {
		return nil, errors.New("gorm db required")
	}
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}
	if err := store.WithMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&PageVectorModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(
			"ALTER TABLE page_vector_models ALTER COLUMN embedding TYPE vector(%d)", embeddingDim,
		)).Error; err != nil {
			return fmt.Errorf("alter embedding type: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &PgvectorStore{db: db, embeddingDim: embeddingDim}, nil
}

// Upsert writes entries into the namespace, replacing pages that already exist.
func (s *PgvectorStore) Upsert(ctx context.Context, namespace string, entries []Entry) error {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return errors.New("namespace required")
	}
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]PageVectorModel, 0, len(entries))
	for _, e := range entries {
		if err := validateEmbedding(e.Embedding, s.embeddingDim); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]string{
			"page":       strconv.Itoa(e.Page),
			"source_ref": "page:" + strconv.Itoa(e.Page),
		})
		vec := pgvector.NewVector(e.Embedding)
		models = append(models, PageVectorModel{
			ID:        entryID(namespace, e.Page),
			Namespace: namespace,
			Page:      e.Page,
			Content:   e.Content,
			Metadata:  meta,
			Embedding: &vec,
			CreatedAt: now,
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "metadata", "embedding"}),
	}).CreateInBatches(&models, 200).Error
}

type scoredRow struct {
	PageVectorModel
	Distance float64
}

// Query returns the topK nearest pages by cosine distance.
func (s *PgvectorStore) Query(ctx context.Context, namespace string, embedding []float32, topK int) ([]domain.Passage, error) {
	if topK <= 0 {
		return []domain.Passage{}, nil
	}
	if err := validateEmbedding(embedding, s.embeddingDim); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var rows []scoredRow
	if err := s.db.WithContext(ctx).Model(&PageVectorModel{}).
		Select("*, embedding <=> ? AS distance", vec).
		Where("namespace = ? AND embedding IS NOT NULL", namespace).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(topK).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	passages := make([]domain.Passage, 0, len(rows))
	for _, r := range rows {
		passages = append(passages, domain.Passage{
			ID:      r.ID,
			FileID:  r.Namespace,
			Page:    r.Page,
			Content: r.Content,
			Score:   1 - r.Distance,
		})
	}
	return passages, nil
}

// DeleteNamespace removes every entry of a namespace.
func (s *PgvectorStore) DeleteNamespace(ctx context.Context, namespace string) error {
	return s.db.WithContext(ctx).Delete(&PageVectorModel{}, "namespace = ?", namespace).Error
}

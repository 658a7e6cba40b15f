package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"scribeai/internal/util"
	"scribeai/pkg/ai"
	"scribeai/pkg/billing"
	"scribeai/pkg/domain"
	"scribeai/pkg/queue"
	"scribeai/pkg/storage"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
)

const (
	defaultEmbedBatchSize   = 16
	defaultEmbedConcurrency = 4
	defaultMaxFileBytes     = 64 << 20
)

var errPageLimit = errors.New("page limit exceeded for plan")

// Config holds the dependencies of the ingestion worker.
type Config struct {
	Store            store.Store
	Objects          storage.ObjectStore
	Vectors          vectorstore.Store
	Embedder         ai.Embedder
	Plans            *billing.Catalog
	Extract          PageExtractor
	EmbedBatchSize   int
	EmbedConcurrency int
	MaxFileBytes     int64
	Now              func() time.Time
}

// App turns uploaded PDFs into per-file vector namespaces.
type App struct {
	store            store.Store
	objects          storage.ObjectStore
	vectors          vectorstore.Store
	embedder         ai.Embedder
	plans            *billing.Catalog
	extract          PageExtractor
	embedBatchSize   int
	embedConcurrency int
	maxFileBytes     int64
	now              func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Vectors == nil {
		return nil, errors.New("vector store required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	a := &App{
		store:            cfg.Store,
		objects:          cfg.Objects,
		vectors:          cfg.Vectors,
		embedder:         cfg.Embedder,
		plans:            cfg.Plans,
		extract:          cfg.Extract,
		embedBatchSize:   cfg.EmbedBatchSize,
		embedConcurrency: cfg.EmbedConcurrency,
		maxFileBytes:     cfg.MaxFileBytes,
		now:              cfg.Now,
	}
	if a.plans == nil {
		a.plans = billing.NewCatalog(nil)
	}
	if a.extract == nil {
		a.extract = ExtractPDFPages
	}
	if a.embedBatchSize <= 0 {
		a.embedBatchSize = defaultEmbedBatchSize
	}
	if a.embedConcurrency <= 0 {
		a.embedConcurrency = defaultEmbedConcurrency
	}
	if a.maxFileBytes <= 0 {
		a.maxFileBytes = defaultMaxFileBytes
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// HandleJob is the queue handler. Ingestion failures are recorded on the
// File and never returned, so the queue does not retry them.
func (a *App) HandleJob(ctx context.Context, job queue.Job) error {
	logger := util.LoggerFromContext(ctx).With("job_id", job.ID, "file_id", job.FileID, "attempt", job.Attempts)
	start := time.Now()
	if err := a.Ingest(ctx, job.FileID); err != nil {
		logger.Error("ingestion failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		return nil
	}
	logger.Info("ingestion completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Ingest processes one PROCESSING file. Files that are missing or already
// settled are skipped. On failure the file is marked FAILED and any vectors
// written so far are left in place.
func (a *App) Ingest(ctx context.Context, fileID string) error {
	file, ok, err := a.store.GetFile(fileID)
	if err != nil {
		return fmt.Errorf("%w: load file: %w", domain.ErrIngestion, err)
	}
	if !ok || file.UploadStatus != domain.StatusProcessing {
		util.LoggerFromContext(ctx).Info("skipping ingestion", "file_id", fileID, "found", ok, "status", file.UploadStatus)
		return nil
	}
	if err := a.process(ctx, file); err != nil {
		if serr := a.store.SetFileStatus(file.ID, domain.StatusFailed); serr != nil {
			util.LoggerFromContext(ctx).Warn("mark file failed", "file_id", file.ID, "err", serr)
		}
		return fmt.Errorf("%w: %w", domain.ErrIngestion, err)
	}
	if err := a.store.SetFileStatus(file.ID, domain.StatusSuccess); err != nil {
		return fmt.Errorf("%w: mark success: %w", domain.ErrIngestion, err)
	}
	return nil
}

func (a *App) process(ctx context.Context, file domain.File) error {
	path, err := a.download(ctx, file.Key)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	doc, err := a.extract(path)
	if err != nil {
		return err
	}
	plan, err := a.ownerPlan(file.UserID)
	if err != nil {
		return err
	}
	if plan.PagesPerFile > 0 && doc.TotalPages > plan.PagesPerFile {
		return fmt.Errorf("%w: %d pages, %s allows %d", errPageLimit, doc.TotalPages, plan.Name, plan.PagesPerFile)
	}
	if len(doc.Pages) == 0 {
		return errors.New("no text extracted from PDF")
	}

	entries, err := a.embedPages(ctx, doc.Pages)
	if err != nil {
		return err
	}
	if err := a.vectors.Upsert(ctx, file.ID, entries); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	return nil
}

func (a *App) download(ctx context.Context, key string) (string, error) {
	rc, err := a.objects.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("fetch blob: %w", err)
	}
	defer rc.Close()
	tmp, err := os.CreateTemp("", "scribe-*.pdf")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(tmp, io.LimitReader(rc, a.maxFileBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > a.maxFileBytes {
		err = fmt.Errorf("blob exceeds %d bytes", a.maxFileBytes)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("download blob: %w", err)
	}
	return tmp.Name(), nil
}

func (a *App) ownerPlan(userID string) (domain.Plan, error) {
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("load owner: %w", err)
	}
	if !ok {
		return a.plans.Free(), nil
	}
	return a.plans.Resolve(user, a.now()).Plan, nil
}

// embedPages embeds pages in batches, running up to embedConcurrency batches
// at once. Entry order matches page order.
func (a *App) embedPages(ctx context.Context, pages []Page) ([]vectorstore.Entry, error) {
	entries := make([]vectorstore.Entry, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.embedConcurrency)
	for start := 0; start < len(pages); start += a.embedBatchSize {
		end := min(start+a.embedBatchSize, len(pages))
		g.Go(func() error {
			batch := pages[start:end]
			texts := make([]string, len(batch))
			for i, p := range batch {
				texts[i] = p.Text
			}
			vecs, err := a.embedder.EmbedTexts(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed pages %d-%d: %w", batch[0].Number, batch[len(batch)-1].Number, err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("embed pages: got %d vectors for %d pages", len(vecs), len(batch))
			}
			for i, p := range batch {
				entries[start+i] = vectorstore.Entry{
					Page:      p.Number,
					Content:   p.Text,
					Embedding: vecs[i],
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

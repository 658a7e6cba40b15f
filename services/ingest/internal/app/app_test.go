package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"scribeai/pkg/billing"
	"scribeai/pkg/domain"
	"scribeai/pkg/queue"
	"scribeai/pkg/storage"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
)

type countingEmbedder struct {
	calls atomic.Int32
	err   error
}

func (e *countingEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *countingEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func fixedPages(total int, texts ...string) PageExtractor {
	return func(string) (Extraction, error) {
		doc := Extraction{TotalPages: total}
		for i, t := range texts {
			doc.Pages = append(doc.Pages, Page{Number: i + 1, Text: t})
		}
		return doc, nil
	}
}

type ingestFixture struct {
	app      *App
	store    *store.MemoryStore
	objects  *storage.MemoryStore
	vectors  *vectorstore.MemoryStore
	embedder *countingEmbedder
	now      time.Time
}

func newIngestFixture(t *testing.T, extract PageExtractor) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		store:    store.NewMemoryStore(),
		objects:  storage.NewMemoryStore(),
		vectors:  vectorstore.NewMemoryStore(),
		embedder: &countingEmbedder{},
		now:      time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	a, err := New(Config{
		Store:          f.store,
		Objects:        f.objects,
		Vectors:        f.vectors,
		Embedder:       f.embedder,
		Plans:          billing.NewCatalog(billing.DefaultPlans("price_pro")),
		Extract:        extract,
		EmbedBatchSize: 2,
		Now:            func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = a
	if err := f.store.SaveUser(domain.User{ID: "user-1", Email: "u@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	return f
}

func (f *ingestFixture) addFile(t *testing.T, id string, withBlob bool) {
	t.Helper()
	key := "files/" + id + "/doc.pdf"
	if err := f.store.CreateFile(domain.File{ID: id, Key: key, Name: "doc.pdf", UserID: "user-1", UploadStatus: domain.StatusProcessing, CreatedAt: f.now}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	if withBlob {
		f.putBlob(t, key, []byte("%PDF-1.4 fake"))
	}
}

func (f *ingestFixture) putBlob(t *testing.T, key string, body []byte) {
	t.Helper()
	if err := f.objects.Put(context.Background(), key, bytes.NewReader(body), int64(len(body)), "application/pdf"); err != nil {
		t.Fatalf("put blob: %v", err)
	}
}

// brokenObjectPDF has a valid xref table whose page object offset lands on
// bytes that are not a PDF object.
func brokenObjectPDF() []byte {
	var buf bytes.Buffer
	offsets := make([]int, 4)
	buf.WriteString("%PDF-1.4\n")
	offsets[1] = buf.Len()
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets[2] = buf.Len()
	buf.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	offsets[3] = buf.Len()
	buf.WriteString("@@@@ @@@@ @@@@\n")
	xref := buf.Len()
	buf.WriteString("xref\n0 4\n0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

func (f *ingestFixture) status(t *testing.T, id string) domain.UploadStatus {
	t.Helper()
	file, ok, err := f.store.GetFile(id)
	if err != nil || !ok {
		t.Fatalf("get file: ok=%v err=%v", ok, err)
	}
	return file.UploadStatus
}

func TestIngestEmbedsEveryPageIntoFileNamespace(t *testing.T) {
	f := newIngestFixture(t, fixedPages(3, "alpha", "beta", "gamma"))
	f.addFile(t, "file-1", true)

	if err := f.app.Ingest(context.Background(), "file-1"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := f.status(t, "file-1"); got != domain.StatusSuccess {
		t.Fatalf("status = %s", got)
	}
	if n := f.vectors.Len("file-1"); n != 3 {
		t.Fatalf("namespace holds %d entries, want 3", n)
	}
	if n := f.embedder.calls.Load(); n != 2 {
		t.Fatalf("embed calls = %d, want 2 batches", n)
	}
	passages, err := f.vectors.Query(context.Background(), "file-1", []float32{4, 1}, 4)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	pages := map[int]string{}
	for _, p := range passages {
		pages[p.Page] = p.Content
	}
	if pages[2] != "beta" || pages[3] != "gamma" {
		t.Fatalf("page numbers not preserved: %v", pages)
	}
}

func TestIngestMissingBlobMarksFailed(t *testing.T) {
	f := newIngestFixture(t, fixedPages(1, "x"))
	f.addFile(t, "file-1", false)

	err := f.app.Ingest(context.Background(), "file-1")
	if !errors.Is(err, domain.ErrIngestion) || !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected wrapped not-found ingestion error, got %v", err)
	}
	if got := f.status(t, "file-1"); got != domain.StatusFailed {
		t.Fatalf("status = %s", got)
	}
}

func TestIngestRealExtractorRejectsNonPDF(t *testing.T) {
	f := newIngestFixture(t, nil)
	f.addFile(t, "file-1", true)

	if err := f.app.Ingest(context.Background(), "file-1"); err == nil {
		t.Fatalf("expected extraction error for a non-PDF blob")
	}
	if got := f.status(t, "file-1"); got != domain.StatusFailed {
		t.Fatalf("status = %s", got)
	}
}

func TestIngestCorruptPDFObjectMarksFailed(t *testing.T) {
	f := newIngestFixture(t, nil)
	if err := f.store.CreateFile(domain.File{ID: "file-1", Key: "files/file-1/broken.pdf", Name: "broken.pdf", UserID: "user-1", UploadStatus: domain.StatusProcessing, CreatedAt: f.now}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	f.putBlob(t, "files/file-1/broken.pdf", brokenObjectPDF())

	err := f.app.HandleJob(context.Background(), queue.Job{ID: "job-1", FileID: "file-1"})
	if err != nil {
		t.Fatalf("handle job must swallow ingestion errors, got %v", err)
	}
	if got := f.status(t, "file-1"); got != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got)
	}
	if f.embedder.calls.Load() != 0 {
		t.Fatalf("corrupt document must not be embedded")
	}
}

func TestIngestEmbeddingFailureLeavesNoRetry(t *testing.T) {
	f := newIngestFixture(t, fixedPages(2, "a", "b"))
	f.embedder.err = errors.New("quota")
	f.addFile(t, "file-1", true)

	if err := f.app.HandleJob(context.Background(), queue.Job{ID: "job-1", FileID: "file-1", Attempts: 1}); err != nil {
		t.Fatalf("HandleJob must swallow ingestion failures, got %v", err)
	}
	if got := f.status(t, "file-1"); got != domain.StatusFailed {
		t.Fatalf("status = %s", got)
	}
	if n := f.vectors.Len("file-1"); n != 0 {
		t.Fatalf("expected no vectors, got %d", n)
	}
}

func TestIngestEnforcesPlanPageLimit(t *testing.T) {
	f := newIngestFixture(t, fixedPages(6, "1", "2", "3", "4", "5", "6"))
	f.addFile(t, "file-1", true)

	err := f.app.Ingest(context.Background(), "file-1")
	if !errors.Is(err, errPageLimit) {
		t.Fatalf("expected page limit error on free plan, got %v", err)
	}
	if got := f.status(t, "file-1"); got != domain.StatusFailed {
		t.Fatalf("status = %s", got)
	}

	end := f.now.Add(72 * time.Hour)
	if err := f.store.UpdateSubscription("user-1", store.SubscriptionUpdate{PriceID: "price_pro", SubscriptionID: "sub_1", CurrentPeriodEnd: &end}); err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	f.addFile(t, "file-2", true)
	if err := f.app.Ingest(context.Background(), "file-2"); err != nil {
		t.Fatalf("pro plan should allow 6 pages: %v", err)
	}
	if got := f.status(t, "file-2"); got != domain.StatusSuccess {
		t.Fatalf("status = %s", got)
	}
}

func TestIngestSkipsSettledOrMissingFiles(t *testing.T) {
	f := newIngestFixture(t, fixedPages(1, "x"))
	if err := f.app.Ingest(context.Background(), "ghost"); err != nil {
		t.Fatalf("missing file should be skipped: %v", err)
	}
	f.addFile(t, "file-1", true)
	if err := f.app.Ingest(context.Background(), "file-1"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	calls := f.embedder.calls.Load()
	if err := f.app.Ingest(context.Background(), "file-1"); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if f.embedder.calls.Load() != calls {
		t.Fatalf("settled file was re-embedded")
	}
}

func TestIngestNoTextFails(t *testing.T) {
	f := newIngestFixture(t, fixedPages(2))
	f.addFile(t, "file-1", true)
	if err := f.app.Ingest(context.Background(), "file-1"); err == nil || !strings.Contains(err.Error(), "no text") {
		t.Fatalf("expected no-text error, got %v", err)
	}
}

func TestEmbedPagesKeepsOrderAcrossBatches(t *testing.T) {
	f := newIngestFixture(t, nil)
	var pages []Page
	for i := 1; i <= 7; i++ {
		pages = append(pages, Page{Number: i, Text: strings.Repeat("x", i)})
	}
	entries, err := f.app.embedPages(context.Background(), pages)
	if err != nil {
		t.Fatalf("embed pages: %v", err)
	}
	for i, e := range entries {
		if e.Page != i+1 || e.Embedding[0] != float32(i+1) {
			t.Fatalf("entry %d out of order: %+v", i, e)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("  Hello\x00\n\tworld  \n")
	if got != "Hello world" {
		t.Fatalf("normalizeText() = %q", got)
	}
	if normalizeText(" \n ") != "" {
		t.Fatalf("blank text should normalise to empty")
	}
}

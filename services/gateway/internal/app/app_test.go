package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"scribeai/pkg/billing"
	"scribeai/pkg/domain"
	"scribeai/pkg/queue"
	"scribeai/pkg/storage"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
)

type fakeJobs struct {
	enqueued []string
	err      error
}

func (f *fakeJobs) Enqueue(_ context.Context, fileID string) (queue.Job, error) {
	if f.err != nil {
		return queue.Job{}, f.err
	}
	f.enqueued = append(f.enqueued, fileID)
	return queue.Job{ID: "job-" + fileID, FileID: fileID, Status: queue.StatusQueued}, nil
}

type gatewayFixture struct {
	app     *App
	store   *store.MemoryStore
	objects *storage.MemoryStore
	vectors *vectorstore.MemoryStore
	jobs    *fakeJobs
	now     time.Time
}

func newFixture(t *testing.T, billingProvider BillingProvider) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore(),
		vectors: vectorstore.NewMemoryStore(),
		jobs:    &fakeJobs{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Store:         f.store,
		Objects:       f.objects,
		Vectors:       f.vectors,
		Jobs:          f.jobs,
		Plans:         billing.NewCatalog(billing.DefaultPlans("price_pro")),
		WebhookSecret: "whsec_test",
		PublicURL:     "https://scribe.example/",
		Now:           func() time.Time { return f.now },
	}
	if billingProvider != nil {
		cfg.Billing = billingProvider
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = a
	return f
}

func (f *gatewayFixture) addUser(t *testing.T, id string) {
	t.Helper()
	if _, err := f.app.SyncUser(id, id+"@example.com"); err != nil {
		t.Fatalf("sync user %s: %v", id, err)
	}
}

func (f *gatewayFixture) addFile(t *testing.T, id, owner string, status domain.UploadStatus, created time.Time) {
	t.Helper()
	if err := f.store.CreateFile(domain.File{
		ID:           id,
		Key:          "uploads/" + id,
		Name:         id + ".pdf",
		UserID:       owner,
		UploadStatus: status,
		CreatedAt:    created,
		UpdatedAt:    created,
	}); err != nil {
		t.Fatalf("create file %s: %v", id, err)
	}
}

func TestSyncUserRequiresSubjectAndEmail(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.app.SyncUser("user-1", ""); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized without email, got %v", err)
	}
	u, err := f.app.SyncUser("user-1", "a@example.com")
	if err != nil {
		t.Fatalf("sync user: %v", err)
	}
	if u.Email != "a@example.com" {
		t.Fatalf("unexpected email %q", u.Email)
	}
	end := f.now.Add(10 * 24 * time.Hour)
	if err := f.store.UpdateSubscription("user-1", store.SubscriptionUpdate{CustomerID: "cus_1", PriceID: "price_pro", CurrentPeriodEnd: &end}); err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	u, err = f.app.SyncUser("user-1", "b@example.com")
	if err != nil {
		t.Fatalf("resync user: %v", err)
	}
	if u.Email != "b@example.com" || u.StripeCustomerID != "cus_1" {
		t.Fatalf("resync should refresh email and keep billing fields, got %+v", u)
	}
}

func TestCompleteUploadRegistersAndEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "user-1")

	reg, err := f.app.CompleteUpload(context.Background(), "user-1", UploadedFile{Key: "k1", Name: "report.pdf", URL: "https://cdn.example/k1"})
	if err != nil {
		t.Fatalf("complete upload: %v", err)
	}
	if reg.File.UploadStatus != domain.StatusProcessing || reg.File.UserID != "user-1" {
		t.Fatalf("unexpected file %+v", reg.File)
	}
	if len(f.jobs.enqueued) != 1 || f.jobs.enqueued[0] != reg.File.ID {
		t.Fatalf("expected one job for %s, got %v", reg.File.ID, f.jobs.enqueued)
	}
	got, ok, _ := f.store.GetFile(reg.File.ID)
	if !ok || got.Key != "k1" || got.URL != "https://cdn.example/k1" {
		t.Fatalf("file not persisted as expected: %+v ok=%v", got, ok)
	}

	if _, err := f.app.CompleteUpload(context.Background(), "user-1", UploadedFile{Key: "k1", Name: "again.pdf"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for duplicate key, got %v", err)
	}
}

func TestCompleteUploadKeyTakenByAnotherOwnerIsValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "user-1")
	f.addUser(t, "user-2")
	if _, err := f.app.CompleteUpload(context.Background(), "user-1", UploadedFile{Key: "shared", Name: "a.pdf"}); err != nil {
		t.Fatalf("first upload: %v", err)
	}

	_, err := f.app.CompleteUpload(context.Background(), "user-2", UploadedFile{Key: "shared", Name: "b.pdf"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for key owned elsewhere, got %v", err)
	}
	if len(f.jobs.enqueued) != 1 {
		t.Fatalf("second upload must not queue a job, got %v", f.jobs.enqueued)
	}
	if files, _ := f.store.ListFilesByUser("user-2"); len(files) != 0 {
		t.Fatalf("no file should be created for user-2, got %+v", files)
	}
}

func TestCompleteUploadUnknownOwnerWritesNothing(t *testing.T) {
	f := newFixture(t, nil)
	for _, owner := range []string{"", "ghost"} {
		_, err := f.app.CompleteUpload(context.Background(), owner, UploadedFile{Key: "k1", Name: "a.pdf"})
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("owner %q: expected unauthorized, got %v", owner, err)
		}
	}
	if len(f.jobs.enqueued) != 0 {
		t.Fatalf("no job should be queued, got %v", f.jobs.enqueued)
	}
	if files, _ := f.store.ListFilesByUser("ghost"); len(files) != 0 {
		t.Fatalf("no file should be created, got %d", len(files))
	}
}

func TestCompleteUploadEnqueueFailureSettlesFile(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "user-1")
	f.jobs.err = errors.New("redis down")

	if _, err := f.app.CompleteUpload(context.Background(), "user-1", UploadedFile{Key: "k1", Name: "a.pdf"}); err == nil {
		t.Fatalf("expected enqueue error")
	}
	files, _ := f.store.ListFilesByUser("user-1")
	if len(files) != 1 || files[0].UploadStatus != domain.StatusFailed {
		t.Fatalf("expected one FAILED file, got %+v", files)
	}
}

func TestUploadFileStoresBlobUnderSanitizedKey(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "user-1")

	reg, err := f.app.UploadFile(context.Background(), "user-1", "../My Report (final).pdf", strings.NewReader("%PDF-1.4"), 8)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	wantKey := "files/" + reg.File.ID + "/My_Report_final_.pdf"
	if reg.File.Key != wantKey {
		t.Fatalf("key = %q, want %q", reg.File.Key, wantKey)
	}
	if !f.objects.Has(wantKey) {
		t.Fatalf("blob not stored under %s", wantKey)
	}
	if reg.File.Name != "My Report (final).pdf" {
		t.Fatalf("display name = %q", reg.File.Name)
	}
	url, err := f.app.DownloadURL(context.Background(), "user-1", reg.File.ID)
	if err != nil || !strings.HasPrefix(url, "memory://"+wantKey) {
		t.Fatalf("download url = %q, err %v", url, err)
	}
}

func TestUploadFileEnforcesPlanQuota(t *testing.T) {
	f := newFixture(t, nil)
	f.addUser(t, "user-1")
	// Old uploads fall outside the quota window.
	for i := range 3 {
		f.addFile(t, "old-"+string(rune('a'+i)), "user-1", domain.StatusSuccess, f.now.Add(-40*24*time.Hour))
	}
	for i := range 10 {
		f.addFile(t, "recent-"+string(rune('a'+i)), "user-1", domain.StatusSuccess, f.now.Add(-time.Duration(i+1)*time.Hour))
	}

	_, err := f.app.UploadFile(context.Background(), "user-1", "one-more.pdf", strings.NewReader("%PDF"), 4)
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("free plan at quota: expected ErrQuotaExceeded, got %v", err)
	}
	if len(f.jobs.enqueued) != 0 {
		t.Fatalf("quota rejection must not enqueue")
	}

	end := f.now.Add(20 * 24 * time.Hour)
	if err := f.store.UpdateSubscription("user-1", store.SubscriptionUpdate{PriceID: "price_pro", CurrentPeriodEnd: &end}); err != nil {
		t.Fatalf("update subscription: %v", err)
	}
	if _, err := f.app.UploadFile(context.Background(), "user-1", "one-more.pdf", strings.NewReader("%PDF"), 4); err != nil {
		t.Fatalf("pro plan should allow upload: %v", err)
	}
}

func TestUploadStatusPendingForMissingOrForeign(t *testing.T) {
	f := newFixture(t, nil)
	f.addFile(t, "f1", "user-1", domain.StatusProcessing, f.now)
	f.addFile(t, "f2", "user-2", domain.StatusSuccess, f.now)

	cases := []struct {
		fileID string
		want   domain.UploadStatus
	}{
		{"f1", domain.StatusProcessing},
		{"f2", domain.StatusPending},
		{"missing", domain.StatusPending},
	}
	for _, tc := range cases {
		got, err := f.app.UploadStatus("user-1", tc.fileID)
		if err != nil {
			t.Fatalf("%s: %v", tc.fileID, err)
		}
		if got != tc.want {
			t.Fatalf("%s: status %s, want %s", tc.fileID, got, tc.want)
		}
	}
	if err := f.store.SetFileStatus("f1", domain.StatusSuccess); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got, _ := f.app.UploadStatus("user-1", "f1"); got != domain.StatusSuccess {
		t.Fatalf("status after settle = %s", got)
	}
}

func TestListFilesNewestFirstAndOwnedOnly(t *testing.T) {
	f := newFixture(t, nil)
	f.addFile(t, "old", "user-1", domain.StatusSuccess, f.now.Add(-2*time.Hour))
	f.addFile(t, "new", "user-1", domain.StatusSuccess, f.now.Add(-time.Hour))
	f.addFile(t, "other", "user-2", domain.StatusSuccess, f.now)

	files, err := f.app.ListFiles("user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].ID != "new" || files[1].ID != "old" {
		t.Fatalf("unexpected files %+v", files)
	}
	if _, err := f.app.GetFile("user-1", "other"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign file: expected not found, got %v", err)
	}
	if got, err := f.app.GetFileByKey("user-1", "uploads/new"); err != nil || got.ID != "new" {
		t.Fatalf("by key: %+v %v", got, err)
	}
	if _, err := f.app.GetFileByKey("user-1", "uploads/other"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign key: expected not found, got %v", err)
	}
}

func TestListMessagesPaginatesWithoutRepeats(t *testing.T) {
	f := newFixture(t, nil)
	f.addFile(t, "f1", "user-1", domain.StatusSuccess, f.now)
	for i := range 25 {
		if err := f.store.AppendMessage(domain.Message{
			ID:            "m" + string(rune('A'+i)),
			Text:          "msg",
			IsUserMessage: i%2 == 0,
			FileID:        "f1",
			UserID:        "user-1",
			CreatedAt:     f.now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := f.app.ListMessages("user-1", "f1", cursor, 10)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		pages++
		for i, m := range page.Messages {
			if seen[m.ID] {
				t.Fatalf("message %s returned twice", m.ID)
			}
			seen[m.ID] = true
			if i > 0 && m.CreatedAt.After(page.Messages[i-1].CreatedAt) {
				t.Fatalf("page not newest-first at %d", i)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 || len(seen) != 25 {
		t.Fatalf("expected 3 pages covering 25 messages, got %d pages %d messages", pages, len(seen))
	}

	if _, err := f.app.ListMessages("user-2", "f1", "", 10); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign conversation: expected not found, got %v", err)
	}
	if _, err := f.app.ListMessages("user-1", "f1", "", store.MaxMessagePageSize+1); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("oversized limit: expected validation error, got %v", err)
	}
}

func TestDeleteFileForeignIsNotFoundAndKeepsData(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.addFile(t, "f1", "user-1", domain.StatusSuccess, f.now)
	if err := f.objects.Put(ctx, "uploads/f1", strings.NewReader("pdf"), 3, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.vectors.Upsert(ctx, "f1", []vectorstore.Entry{{Page: 1, Content: "x", Embedding: []float32{1, 0}}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := f.app.DeleteFile(ctx, "user-2", "f1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign delete: expected not found, got %v", err)
	}
	if _, ok, _ := f.store.GetFile("f1"); !ok {
		t.Fatalf("foreign delete must not remove the file")
	}

	if _, err := f.app.DeleteFile(ctx, "user-1", "f1"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, ok, _ := f.store.GetFile("f1"); ok {
		t.Fatalf("file still present after delete")
	}
	if f.objects.Has("uploads/f1") {
		t.Fatalf("blob still present after delete")
	}
	if f.vectors.Len("f1") != 0 {
		t.Fatalf("namespace still populated after delete")
	}
}

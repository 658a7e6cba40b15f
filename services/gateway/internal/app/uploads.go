package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"scribeai/internal/util"
	"scribeai/pkg/domain"
	"scribeai/pkg/queue"
	"scribeai/pkg/store"
)

const downloadURLExpiry = 15 * time.Minute

// UploadedFile describes a blob that already sits in object storage.
type UploadedFile struct {
	Key  string
	Name string
	URL  string
}

// Registration is the result of registering an upload for ingestion.
type Registration struct {
	File domain.File
	Job  queue.Job
}

// CompleteUpload registers a finished upload for its owner and queues it for
// ingestion. An unknown owner is rejected before anything is written.
func (a *App) CompleteUpload(ctx context.Context, ownerID string, up UploadedFile) (Registration, error) {
	owner, err := a.requireUser(ownerID)
	if err != nil {
		return Registration{}, err
	}
	up.Key = strings.TrimSpace(up.Key)
	up.Name = strings.TrimSpace(up.Name)
	if up.Key == "" || up.Name == "" {
		return Registration{}, fmt.Errorf("%w: file key and name are required", domain.ErrValidation)
	}
	return a.register(ctx, util.NewID(), owner.ID, up)
}

// UploadFile stores a PDF sent directly by the caller and registers it. The
// caller's plan quota counts files created within the quota window.
func (a *App) UploadFile(ctx context.Context, userID, filename string, r io.Reader, size int64) (Registration, error) {
	if a.objects == nil {
		return Registration{}, errors.New("object storage not configured")
	}
	owner, err := a.requireUser(userID)
	if err != nil {
		return Registration{}, err
	}
	name := strings.TrimSpace(filepath.Base(filename))
	if name == "" || name == "." {
		return Registration{}, fmt.Errorf("%w: filename required", domain.ErrValidation)
	}
	now := a.now()
	plan := a.plans.Resolve(owner, now).Plan
	count, err := a.store.CountFilesSince(owner.ID, now.Add(-a.quotaWindow))
	if err != nil {
		return Registration{}, fmt.Errorf("count files: %w", err)
	}
	if count >= plan.Quota {
		return Registration{}, domain.ErrQuotaExceeded
	}

	fileID := util.NewID()
	key := buildStorageKey(fileID, name)
	if err := a.objects.Put(ctx, key, r, size, "application/pdf"); err != nil {
		return Registration{}, fmt.Errorf("store upload: %w", err)
	}
	reg, err := a.register(ctx, fileID, owner.ID, UploadedFile{Key: key, Name: name})
	if err != nil {
		if delErr := a.objects.Delete(ctx, key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("orphaned upload blob", "key", key, "err", delErr)
		}
		return Registration{}, err
	}
	return reg, nil
}

// DownloadURL returns a short-lived URL for an owned file's blob.
func (a *App) DownloadURL(ctx context.Context, userID, fileID string) (string, error) {
	f, err := a.GetFile(userID, fileID)
	if err != nil {
		return "", err
	}
	if f.URL != "" {
		return f.URL, nil
	}
	if a.objects == nil {
		return "", errors.New("object storage not configured")
	}
	return a.objects.PresignGet(ctx, f.Key, downloadURLExpiry)
}

// register creates the PROCESSING record and enqueues its ingestion job. If
// the job cannot be queued the record is settled as FAILED so it never sits
// in PROCESSING forever.
func (a *App) register(ctx context.Context, fileID, ownerID string, up UploadedFile) (Registration, error) {
	now := a.now()
	f := domain.File{
		ID:           fileID,
		Key:          up.Key,
		Name:         up.Name,
		URL:          strings.TrimSpace(up.URL),
		UserID:       ownerID,
		UploadStatus: domain.StatusProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// Keys are unique across all owners.
	if err := a.store.CreateFile(f); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return Registration{}, fmt.Errorf("%w: file key already registered", domain.ErrValidation)
		}
		return Registration{}, fmt.Errorf("create file: %w", err)
	}
	job, err := a.jobs.Enqueue(ctx, f.ID)
	if err != nil {
		if setErr := a.store.SetFileStatus(f.ID, domain.StatusFailed); setErr != nil {
			util.LoggerFromContext(ctx).Error("settle unqueued file", "file_id", f.ID, "err", setErr)
		}
		return Registration{}, fmt.Errorf("enqueue ingestion: %w", err)
	}
	util.LoggerFromContext(ctx).Info("upload registered", "file_id", f.ID, "job_id", job.ID, "user_id", ownerID)
	return Registration{File: f, Job: job}, nil
}

func buildStorageKey(fileID, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" {
		name = "document.pdf"
	}
	return path.Join("files", fileID, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

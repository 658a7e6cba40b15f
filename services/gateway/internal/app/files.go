package app

import (
	"context"
	"fmt"
	"strings"

	"scribeai/internal/util"
	"scribeai/pkg/domain"
	"scribeai/pkg/store"
)

// ListFiles returns the caller's files, newest first.
func (a *App) ListFiles(userID string) ([]domain.File, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrUnauthorized
	}
	return a.store.ListFilesByUser(userID)
}

// GetFile returns one owned file.
func (a *App) GetFile(userID, fileID string) (domain.File, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.File{}, domain.ErrUnauthorized
	}
	f, ok, err := a.store.GetOwnedFile(fileID, userID)
	if err != nil {
		return domain.File{}, err
	}
	if !ok {
		return domain.File{}, domain.ErrNotFound
	}
	return f, nil
}

// GetFileByKey returns the owned file stored under key.
func (a *App) GetFileByKey(userID, key string) (domain.File, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.File{}, domain.ErrUnauthorized
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.File{}, domain.ErrNotFound
	}
	f, ok, err := a.store.GetOwnedFileByKey(key, userID)
	if err != nil {
		return domain.File{}, err
	}
	if !ok {
		return domain.File{}, domain.ErrNotFound
	}
	return f, nil
}

// UploadStatus reports PENDING for files that are absent or not owned.
func (a *App) UploadStatus(userID, fileID string) (domain.UploadStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return "", domain.ErrUnauthorized
	}
	f, ok, err := a.store.GetOwnedFile(fileID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.StatusPending, nil
	}
	return f.UploadStatus, nil
}

// ListMessages returns one newest-first page of a file's conversation.
// cursor is the id of the last message of the previous page and is excluded.
// A zero limit selects the default page size.
func (a *App) ListMessages(userID, fileID, cursor string, limit int) (domain.MessagePage, error) {
	if limit < 0 || limit > store.MaxMessagePageSize {
		return domain.MessagePage{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, store.MaxMessagePageSize)
	}
	if _, err := a.GetFile(userID, fileID); err != nil {
		return domain.MessagePage{}, err
	}
	return a.store.ListMessagesPage(fileID, cursor, store.NormalizePageSize(limit))
}

// DeleteFile removes an owned file and its messages. Blob and vector cleanup
// is best effort; a failure there is logged and does not fail the delete.
func (a *App) DeleteFile(ctx context.Context, userID, fileID string) (domain.File, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.File{}, domain.ErrUnauthorized
	}
	f, ok, err := a.store.DeleteOwnedFile(fileID, userID)
	if err != nil {
		return domain.File{}, err
	}
	if !ok {
		return domain.File{}, domain.ErrNotFound
	}
	logger := util.LoggerFromContext(ctx)
	if a.objects != nil && f.Key != "" {
		if err := a.objects.Delete(ctx, f.Key); err != nil {
			logger.Warn("blob cleanup failed", "file_id", f.ID, "key", f.Key, "err", err)
		}
	}
	if a.vectors != nil {
		if err := a.vectors.DeleteNamespace(ctx, f.ID); err != nil {
			logger.Warn("vector cleanup failed", "file_id", f.ID, "err", err)
		}
	}
	return f, nil
}

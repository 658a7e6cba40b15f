package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"scribeai/pkg/domain"
)

// MemoryStore keeps users, files and messages in-process. It mirrors the
// ordering and ownership rules of GormStore and backs the service tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	files    map[string]domain.File
	messages []domain.Message
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]domain.User),
		files: make(map[string]domain.File),
	}
}

func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok {
		existing.Email = u.Email
		existing.UpdatedAt = u.UpdatedAt
		m.users[u.ID] = existing
		return nil
	}
	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserBySubscriptionID(subscriptionID string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.StripeSubscriptionID != "" && u.StripeSubscriptionID == subscriptionID {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) UpdateSubscription(userID string, update SubscriptionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	if v := strings.TrimSpace(update.CustomerID); v != "" {
		u.StripeCustomerID = v
	}
	if v := strings.TrimSpace(update.SubscriptionID); v != "" {
		u.StripeSubscriptionID = v
	}
	if v := strings.TrimSpace(update.PriceID); v != "" {
		u.StripePriceID = v
	}
	if update.CurrentPeriodEnd != nil {
		end := update.CurrentPeriodEnd.UTC()
		u.StripeCurrentPeriodEnd = &end
	}
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) CreateFile(f domain.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("file %s already exists", f.ID)
	}
	for _, existing := range m.files {
		if existing.Key == f.Key {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, f.Key)
		}
	}
	m.files[f.ID] = f
	return nil
}

func (m *MemoryStore) GetFile(id string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	return f, ok, nil
}

func (m *MemoryStore) GetOwnedFile(id, userID string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok || f.UserID != userID {
		return domain.File{}, false, nil
	}
	return f, true, nil
}

func (m *MemoryStore) GetOwnedFileByKey(key, userID string) (domain.File, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.Key == key && f.UserID == userID {
			return f, true, nil
		}
	}
	return domain.File{}, false, nil
}

func (m *MemoryStore) ListFilesByUser(userID string) ([]domain.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.File, 0)
	for _, f := range m.files {
		if f.UserID == userID {
			res = append(res, f)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) CountFilesSince(userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, f := range m.files {
		if f.UserID == userID && !f.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SetFileStatus(id string, status domain.UploadStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || !domain.CanTransition(f.UploadStatus, status) {
		return domain.ErrInvalidTransition
	}
	f.UploadStatus = status
	f.UpdatedAt = time.Now().UTC()
	m.files[id] = f
	return nil
}

func (m *MemoryStore) DeleteOwnedFile(id, userID string) (domain.File, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.UserID != userID {
		return domain.File{}, false, nil
	}
	delete(m.files, id)
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.FileID != id {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return f, true, nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[msg.FileID]; !ok {
		return fmt.Errorf("file %s does not exist", msg.FileID)
	}
	m.messages = append(m.messages, msg)
	return nil
}

// newestFirst returns the file's messages ordered by (createdAt, id) descending.
func (m *MemoryStore) newestFirst(fileID string) []domain.Message {
	out := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if msg.FileID == fileID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return olderThan(out[j], out[i]) })
	return out
}

func olderThan(a, b domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) RecentMessages(fileID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.newestFirst(fileID)
	if len(all) > limit {
		all = all[:limit]
	}
	res := make([]domain.Message, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		res = append(res, all[i])
	}
	return res, nil
}

func (m *MemoryStore) ListMessagesPage(fileID, cursor string, limit int) (domain.MessagePage, error) {
	limit = NormalizePageSize(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.newestFirst(fileID)
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		idx := -1
		for i, msg := range all {
			if msg.ID == cursor {
				idx = i
				break
			}
		}
		if idx < 0 {
			return domain.MessagePage{}, fmt.Errorf("%w: unknown cursor", domain.ErrValidation)
		}
		all = all[idx+1:]
	}
	page := domain.MessagePage{Messages: make([]domain.Message, 0, limit)}
	if len(all) > limit {
		all = all[:limit]
		page.NextCursor = all[limit-1].ID
	}
	page.Messages = append(page.Messages, all...)
	return page, nil
}

// MessageCount returns the number of stored messages for a file.
func (m *MemoryStore) MessageCount(fileID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, msg := range m.messages {
		if msg.FileID == fileID {
			n++
		}
	}
	return n
}

package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"scribeai/pkg/domain"
)

func seedConversation(t *testing.T, n int) (*MemoryStore, []domain.Message) {
	t.Helper()
	s := NewMemoryStore()
	if err := s.SaveUser(domain.User{ID: "user-1", Email: "u@example.com"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	if err := s.CreateFile(domain.File{ID: "file-1", Key: "k1", UserID: "user-1", UploadStatus: domain.StatusProcessing}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := domain.Message{
			ID:            fmt.Sprintf("m-%02d", i),
			Text:          fmt.Sprintf("message %d", i),
			IsUserMessage: i%2 == 0,
			FileID:        "file-1",
			UserID:        "user-1",
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(msg); err != nil {
			t.Fatalf("append: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return s, msgs
}

func TestListMessagesPageWalksNewestFirstWithoutRepeats(t *testing.T) {
	s, msgs := seedConversation(t, 25)

	seen := map[string]bool{}
	var order []string
	cursor := ""
	pages := 0
	for {
		page, err := s.ListMessagesPage("file-1", cursor, 10)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		pages++
		if len(page.Messages) > 10 {
			t.Fatalf("page larger than limit: %d", len(page.Messages))
		}
		for _, m := range page.Messages {
			if seen[m.ID] {
				t.Fatalf("message %s returned twice", m.ID)
			}
			seen[m.ID] = true
			order = append(order, m.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 {
		t.Fatalf("pages = %d, want 3", pages)
	}
	if len(order) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(order), len(msgs))
	}
	for i, id := range order {
		want := msgs[len(msgs)-1-i].ID
		if id != want {
			t.Fatalf("order[%d] = %s, want %s", i, id, want)
		}
	}
}

func TestListMessagesPageExactFitHasNoCursor(t *testing.T) {
	s, _ := seedConversation(t, 10)
	page, err := s.ListMessagesPage("file-1", "", 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if page.NextCursor != "" {
		t.Fatalf("unexpected next cursor %q", page.NextCursor)
	}
	if len(page.Messages) != 10 {
		t.Fatalf("len = %d, want 10", len(page.Messages))
	}
}

func TestListMessagesPageRejectsUnknownCursor(t *testing.T) {
	s, _ := seedConversation(t, 3)
	if _, err := s.ListMessagesPage("file-1", "missing", 10); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecentMessagesReturnsNewestWindowOldestFirst(t *testing.T) {
	s, msgs := seedConversation(t, 9)
	recent, err := s.RecentMessages("file-1", 6)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 6 {
		t.Fatalf("len = %d, want 6", len(recent))
	}
	for i, m := range recent {
		if m.ID != msgs[3+i].ID {
			t.Fatalf("recent[%d] = %s, want %s", i, m.ID, msgs[3+i].ID)
		}
	}
}

func TestSetFileStatusOnlyLeavesProcessing(t *testing.T) {
	s, _ := seedConversation(t, 0)
	if err := s.SetFileStatus("file-1", domain.StatusSuccess); err != nil {
		t.Fatalf("processing -> success: %v", err)
	}
	if err := s.SetFileStatus("file-1", domain.StatusFailed); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("success -> failed should be rejected, got %v", err)
	}
	if err := s.SetFileStatus("file-1", domain.StatusProcessing); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("success -> processing should be rejected, got %v", err)
	}
	f, _, _ := s.GetFile("file-1")
	if f.UploadStatus != domain.StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", f.UploadStatus)
	}
}

func TestDeleteOwnedFileIgnoresForeignOwner(t *testing.T) {
	s, _ := seedConversation(t, 2)
	if _, ok, err := s.DeleteOwnedFile("file-1", "intruder"); err != nil || ok {
		t.Fatalf("foreign delete: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.GetFile("file-1"); !ok {
		t.Fatalf("file deleted by non-owner")
	}
	if _, ok, err := s.DeleteOwnedFile("file-1", "user-1"); err != nil || !ok {
		t.Fatalf("owner delete: ok=%v err=%v", ok, err)
	}
	if n := s.MessageCount("file-1"); n != 0 {
		t.Fatalf("messages left after delete: %d", n)
	}
}

func TestCreateFileDuplicateKeyAcrossOwners(t *testing.T) {
	s, _ := seedConversation(t, 0)
	err := s.CreateFile(domain.File{ID: "file-2", Key: "k1", UserID: "user-2", UploadStatus: domain.StatusProcessing})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if _, ok, _ := s.GetFile("file-2"); ok {
		t.Fatalf("duplicate key must not be stored")
	}
}

func TestNormalizePageSize(t *testing.T) {
	cases := map[int]int{0: DefaultMessagePageSize, -3: DefaultMessagePageSize, 7: 7, 500: MaxMessagePageSize}
	for in, want := range cases {
		if got := NormalizePageSize(in); got != want {
			t.Fatalf("NormalizePageSize(%d) = %d, want %d", in, got, want)
		}
	}
}

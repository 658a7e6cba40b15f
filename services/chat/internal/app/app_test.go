package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"scribeai/pkg/ai"
	"scribeai/pkg/domain"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
)

type fakeEmbedder struct {
	err error
}

func (e fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0}, nil
}

func (e fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.EmbedText(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type fakeStreamer struct {
	mu       sync.Mutex
	chunks   []string
	err      error
	failAt   int
	requests [][]ai.ChatMessage
}

func (s *fakeStreamer) StreamChat(_ context.Context, messages []ai.ChatMessage, onDelta func(string) error) (string, error) {
	s.mu.Lock()
	s.requests = append(s.requests, messages)
	s.mu.Unlock()
	var full strings.Builder
	for i, c := range s.chunks {
		if s.err != nil && i == s.failAt {
			return full.String(), s.err
		}
		full.WriteString(c)
		if err := onDelta(c); err != nil {
			return full.String(), err
		}
	}
	if s.err != nil {
		return full.String(), s.err
	}
	return full.String(), nil
}

func (s *fakeStreamer) lastUserPrompt(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		t.Fatalf("streamer was not called")
	}
	msgs := s.requests[len(s.requests)-1]
	if len(msgs) != 2 || msgs[0].Role != ai.RoleSystem || msgs[1].Role != ai.RoleUser {
		t.Fatalf("unexpected prompt shape: %+v", msgs)
	}
	return msgs[1].Content
}

type recordingLocker struct {
	mu     sync.Mutex
	locked []string
	err    error
}

func (l *recordingLocker) Lock(_ context.Context, fileID string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.locked = append(l.locked, fileID)
	l.mu.Unlock()
	return func() {}, nil
}

type fixture struct {
	app      *App
	store    *store.MemoryStore
	vectors  *vectorstore.MemoryStore
	streamer *fakeStreamer
	locker   *recordingLocker
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		vectors:  vectorstore.NewMemoryStore(),
		streamer: &fakeStreamer{chunks: []string{"The answer ", "is on page 2."}},
		locker:   &recordingLocker{},
		clock:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	a, err := New(Config{
		Store:    f.store,
		Vectors:  f.vectors,
		Embedder: fakeEmbedder{},
		Streamer: f.streamer,
		Locker:   f.locker,
		Now: func() time.Time {
			f.clock = f.clock.Add(time.Second)
			return f.clock
		},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = a
	if err := f.store.CreateFile(domain.File{ID: "file-1", Key: "k1", Name: "report.pdf", UserID: "user-1", UploadStatus: domain.StatusSuccess, CreatedAt: f.clock}); err != nil {
		t.Fatalf("create file: %v", err)
	}
	return f
}

func (f *fixture) collect() (func(string) error, *[]string) {
	var deltas []string
	return func(d string) error {
		deltas = append(deltas, d)
		return nil
	}, &deltas
}

func TestSendMessagePersistsBothRowsAndStreamsDeltas(t *testing.T) {
	f := newFixture(t)
	if err := f.vectors.Upsert(context.Background(), "file-1", []vectorstore.Entry{
		{Page: 1, Content: "intro text", Embedding: []float32{0, 1, 0}},
		{Page: 2, Content: "the answer text", Embedding: []float32{1, 0, 0}},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	onDelta, deltas := f.collect()
	answer, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: "where is the answer?"}, onDelta)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if strings.Join(*deltas, "") != "The answer is on page 2." || answer.Text != "The answer is on page 2." {
		t.Fatalf("deltas=%v answer=%q", *deltas, answer.Text)
	}
	if answer.IsUserMessage || answer.UserID != "user-1" {
		t.Fatalf("unexpected assistant row: %+v", answer)
	}

	page, err := f.store.ListMessagesPage("file-1", "", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(page.Messages) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page.Messages))
	}
	if page.Messages[0].IsUserMessage || !page.Messages[1].IsUserMessage {
		t.Fatalf("expected assistant newest, user oldest: %+v", page.Messages)
	}

	prompt := f.streamer.lastUserPrompt(t)
	if !strings.Contains(prompt, "CONTEXT:\nthe answer text\n\nintro text") {
		t.Fatalf("context passages missing or misordered:\n%s", prompt)
	}
	if !strings.Contains(prompt, "User: where is the answer?\n") {
		t.Fatalf("history should include the stored user message:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "USER INPUT: where is the answer?") {
		t.Fatalf("prompt should end with user input:\n%s", prompt)
	}
	if len(f.locker.locked) != 1 || f.locker.locked[0] != "file-1" {
		t.Fatalf("turn lock not taken: %v", f.locker.locked)
	}
}

func TestSendMessageEmptyAnswerIsStillPersisted(t *testing.T) {
	f := newFixture(t)
	f.streamer.chunks = nil

	onDelta, deltas := f.collect()
	answer, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: "anything?"}, onDelta)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if len(*deltas) != 0 || answer.Text != "" || answer.IsUserMessage {
		t.Fatalf("deltas=%v answer=%+v", *deltas, answer)
	}
	if n := f.store.MessageCount("file-1"); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestSendMessageModelFailureKeepsOnlyUserRow(t *testing.T) {
	f := newFixture(t)
	f.streamer.err = errors.New("upstream 500")

	onDelta, _ := f.collect()
	_, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: "hello"}, onDelta)
	if !errors.Is(err, domain.ErrStreamFailure) {
		t.Fatalf("expected stream failure, got %v", err)
	}
	if n := f.store.MessageCount("file-1"); n != 1 {
		t.Fatalf("expected only the user row, got %d", n)
	}
}

func TestSendMessageMidStreamFailureKeepsOnlyUserRow(t *testing.T) {
	f := newFixture(t)
	f.streamer.err = errors.New("connection reset")
	f.streamer.failAt = 1

	onDelta, deltas := f.collect()
	_, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: "hello"}, onDelta)
	if !errors.Is(err, domain.ErrStreamFailure) {
		t.Fatalf("expected stream failure, got %v", err)
	}
	if len(*deltas) != 1 {
		t.Fatalf("expected one forwarded delta before failure, got %v", *deltas)
	}
	if n := f.store.MessageCount("file-1"); n != 1 {
		t.Fatalf("expected only the user row, got %d", n)
	}
}

func TestSendMessageEmbeddingFailureIsStreamFailure(t *testing.T) {
	f := newFixture(t)
	f.app.embedder = fakeEmbedder{err: errors.New("embed down")}

	onDelta, _ := f.collect()
	_, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: "hello"}, onDelta)
	if !errors.Is(err, domain.ErrStreamFailure) {
		t.Fatalf("expected stream failure, got %v", err)
	}
	if n := f.store.MessageCount("file-1"); n != 1 {
		t.Fatalf("expected only the user row, got %d", n)
	}
}

func TestSendMessageValidationWritesNothing(t *testing.T) {
	f := newFixture(t)
	onDelta, _ := f.collect()
	cases := []Turn{
		{UserID: "user-1", FileID: "", Message: "hi"},
		{UserID: "user-1", FileID: "file-1", Message: "   "},
		{UserID: "user-1", FileID: "file-1", Message: strings.Repeat("é", defaultMaxMessageRunes+1)},
	}
	for _, tc := range cases {
		if _, err := f.app.SendMessage(context.Background(), tc, onDelta); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", tc.FileID, err)
		}
	}
	if n := f.store.MessageCount("file-1"); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
	if len(f.streamer.requests) != 0 || len(f.locker.locked) != 0 {
		t.Fatalf("validation failures must not reach the lock or model")
	}
}

func TestSendMessageForeignFileIsNotFound(t *testing.T) {
	f := newFixture(t)
	onDelta, _ := f.collect()
	for _, turn := range []Turn{
		{UserID: "user-2", FileID: "file-1", Message: "hi"},
		{UserID: "user-1", FileID: "missing", Message: "hi"},
	} {
		if _, err := f.app.SendMessage(context.Background(), turn, onDelta); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if n := f.store.MessageCount("file-1"); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestSendMessageBusyLockWritesNothing(t *testing.T) {
	f := newFixture(t)
	busy := errors.New("busy")
	f.locker.err = busy
	onDelta, _ := f.collect()
	if _, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: "hi"}, onDelta); !errors.Is(err, busy) {
		t.Fatalf("expected lock error, got %v", err)
	}
	if n := f.store.MessageCount("file-1"); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestSendMessageUsesAtMostFourPassages(t *testing.T) {
	f := newFixture(t)
	var entries []vectorstore.Entry
	for page := 1; page <= 7; page++ {
		entries = append(entries, vectorstore.Entry{Page: page, Content: fmt.Sprintf("passage-%d", page), Embedding: []float32{1, float32(page) / 10, 0}})
	}
	if err := f.vectors.Upsert(context.Background(), "file-1", entries); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	onDelta, _ := f.collect()
	if _, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: "q"}, onDelta); err != nil {
		t.Fatalf("send: %v", err)
	}
	prompt := f.streamer.lastUserPrompt(t)
	if n := strings.Count(prompt, "passage-"); n != 4 {
		t.Fatalf("expected 4 passages in prompt, got %d:\n%s", n, prompt)
	}
}

func TestSendMessageHistoryIsSixMostRecentOldestFirst(t *testing.T) {
	f := newFixture(t)
	onDelta, _ := f.collect()
	for i := 1; i <= 4; i++ {
		f.streamer.chunks = []string{fmt.Sprintf("answer-%d", i)}
		if _, err := f.app.SendMessage(context.Background(), Turn{UserID: "user-1", FileID: "file-1", Message: fmt.Sprintf("question-%d", i)}, onDelta); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	prompt := f.streamer.lastUserPrompt(t)
	// History for turn 4 holds q2,a2,q3,a3,q4 plus a1: the six newest rows.
	if strings.Contains(prompt, "User: question-1") {
		t.Fatalf("question-1 should have dropped out of history:\n%s", prompt)
	}
	order := []string{"Assistant: answer-1", "User: question-2", "Assistant: answer-2", "User: question-3", "Assistant: answer-3", "User: question-4"}
	last := -1
	for _, line := range order {
		idx := strings.Index(prompt, line)
		if idx < 0 || idx < last {
			t.Fatalf("history line %q missing or out of order:\n%s", line, prompt)
		}
		last = idx
	}
	if n := f.store.MessageCount("file-1"); n != 8 {
		t.Fatalf("expected 8 rows after 4 turns, got %d", n)
	}
}

func TestBuildPromptWithoutHistoryOrContext(t *testing.T) {
	msgs := BuildPrompt(nil, nil, "what?")
	if msgs[0].Content != systemInstruction {
		t.Fatalf("system message = %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[1].Content, "PREVIOUS CONVERSATION:\n") || !strings.Contains(msgs[1].Content, "CONTEXT:\n") {
		t.Fatalf("section headers missing:\n%s", msgs[1].Content)
	}
}

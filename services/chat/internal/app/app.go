package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"scribeai/internal/util"
	"scribeai/pkg/ai"
	"scribeai/pkg/domain"
	"scribeai/pkg/store"
	"scribeai/pkg/vectorstore"
)

const (
	defaultTopK            = 4
	defaultHistoryLimit    = 6
	defaultMaxMessageRunes = 4000
)

// TurnLocker serialises turns on one file. The returned func releases the lock.
type TurnLocker interface {
	Lock(ctx context.Context, fileID string) (func(), error)
}

// Config holds the dependencies of the conversation handler.
type Config struct {
	Store           store.Store
	Vectors         vectorstore.Store
	Embedder        ai.Embedder
	Streamer        ai.ChatStreamer
	Locker          TurnLocker
	TopK            int
	HistoryLimit    int
	MaxMessageRunes int
	Now             func() time.Time
}

// App answers questions about one uploaded file, streaming the reply.
type App struct {
	store           store.Store
	vectors         vectorstore.Store
	embedder        ai.Embedder
	streamer        ai.ChatStreamer
	locker          TurnLocker
	topK            int
	historyLimit    int
	maxMessageRunes int
	now             func() time.Time
}

func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Vectors == nil {
		return nil, errors.New("vector store required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("embedder required")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("chat streamer required")
	}
	a := &App{
		store:           cfg.Store,
		vectors:         cfg.Vectors,
		embedder:        cfg.Embedder,
		streamer:        cfg.Streamer,
		locker:          cfg.Locker,
		topK:            cfg.TopK,
		historyLimit:    cfg.HistoryLimit,
		maxMessageRunes: cfg.MaxMessageRunes,
		now:             cfg.Now,
	}
	if a.topK <= 0 {
		a.topK = defaultTopK
	}
	if a.historyLimit <= 0 {
		a.historyLimit = defaultHistoryLimit
	}
	if a.maxMessageRunes <= 0 {
		a.maxMessageRunes = defaultMaxMessageRunes
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// Turn is one question from an authenticated user about one file.
type Turn struct {
	UserID  string
	FileID  string
	Message string
}

func (a *App) validate(t Turn) (Turn, error) {
	t.UserID = strings.TrimSpace(t.UserID)
	t.FileID = strings.TrimSpace(t.FileID)
	if t.UserID == "" {
		return t, domain.ErrUnauthorized
	}
	if t.FileID == "" {
		return t, fmt.Errorf("%w: fileId is required", domain.ErrValidation)
	}
	if strings.TrimSpace(t.Message) == "" {
		return t, fmt.Errorf("%w: message is required", domain.ErrValidation)
	}
	if utf8.RuneCountInString(t.Message) > a.maxMessageRunes {
		return t, fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, a.maxMessageRunes)
	}
	return t, nil
}

// SendMessage runs one conversation turn. The user message is stored before
// the model is called; the assistant reply is stored only after the stream
// completes. onDelta receives each text fragment as it arrives.
func (a *App) SendMessage(ctx context.Context, t Turn, onDelta func(string) error) (domain.Message, error) {
	t, err := a.validate(t)
	if err != nil {
		return domain.Message{}, err
	}
	file, ok, err := a.store.GetOwnedFile(t.FileID, t.UserID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load file: %w", err)
	}
	if !ok {
		return domain.Message{}, domain.ErrNotFound
	}

	if a.locker != nil {
		unlock, err := a.locker.Lock(ctx, file.ID)
		if err != nil {
			return domain.Message{}, err
		}
		defer unlock()
	}

	logger := util.LoggerFromContext(ctx).With("file_id", file.ID, "user_id", t.UserID)

	userMsg := domain.Message{
		ID:            util.NewID(),
		Text:          t.Message,
		IsUserMessage: true,
		FileID:        file.ID,
		UserID:        t.UserID,
		CreatedAt:     a.now(),
	}
	if err := a.store.AppendMessage(userMsg); err != nil {
		return domain.Message{}, fmt.Errorf("save user message: %w", err)
	}

	embedding, err := a.embedder.EmbedText(ctx, t.Message)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: embed message: %w", domain.ErrStreamFailure, err)
	}
	passages, err := a.vectors.Query(ctx, file.ID, embedding, a.topK)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: query passages: %w", domain.ErrStreamFailure, err)
	}
	history, err := a.store.RecentMessages(file.ID, a.historyLimit)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: load history: %w", domain.ErrStreamFailure, err)
	}

	reply, err := a.streamer.StreamChat(ctx, BuildPrompt(history, passages, t.Message), onDelta)
	if err != nil {
		logger.Warn("answer stream failed", "err", err, "partial_len", len(reply))
		return domain.Message{}, fmt.Errorf("%w: %w", domain.ErrStreamFailure, err)
	}

	created := a.now()
	if !created.After(userMsg.CreatedAt) {
		created = userMsg.CreatedAt.Add(time.Microsecond)
	}
	answer := domain.Message{
		ID:            util.NewID(),
		Text:          reply,
		IsUserMessage: false,
		FileID:        file.ID,
		UserID:        t.UserID,
		CreatedAt:     created,
	}
	if err := a.store.AppendMessage(answer); err != nil {
		return domain.Message{}, fmt.Errorf("save assistant message: %w", err)
	}
	logger.Info("conversation turn completed", "passages", len(passages), "history", len(history), "reply_len", len(reply))
	return answer, nil
}

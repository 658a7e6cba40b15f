package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"scribeai/pkg/domain"
)

const migrateLockID int64 = 51822043

// Open connects to Postgres with the shared logger and pool settings.
func Open(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database URL required")
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore runs auto-migrations and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm db required")
	}
	if err := WithMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &FileModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'file_models'
					AND constraint_name = 'file_models_user_id_fkey'
				) THEN
					ALTER TABLE file_models
					ADD CONSTRAINT file_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_file_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_file_id_fkey
					FOREIGN KEY (file_id) REFERENCES file_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// WithMigrationLock runs fn while holding a Postgres advisory lock so that
// concurrently starting services do not race on schema changes.
func WithMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers a user or refreshes its email.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by IdP subject.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	return s.firstUser("id = ?", id)
}

// GetUserBySubscriptionID returns the user holding a payments subscription.
func (s *GormStore) GetUserBySubscriptionID(subscriptionID string) (domain.User, bool, error) {
	return s.firstUser("stripe_subscription_id = ?", subscriptionID)
}

func (s *GormStore) firstUser(query string, args ...any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// UpdateSubscription writes billing fields for a user.
func (s *GormStore) UpdateSubscription(userID string, update SubscriptionUpdate) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if v := strings.TrimSpace(update.CustomerID); v != "" {
		updates["stripe_customer_id"] = v
	}
	if v := strings.TrimSpace(update.SubscriptionID); v != "" {
		updates["stripe_subscription_id"] = v
	}
	if v := strings.TrimSpace(update.PriceID); v != "" {
		updates["stripe_price_id"] = v
	}
	if update.CurrentPeriodEnd != nil {
		updates["stripe_current_period_end"] = update.CurrentPeriodEnd.UTC()
	}
	res := s.db.Model(&UserModel{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CreateFile inserts a new file record.
func (s *GormStore) CreateFile(f domain.File) error {
	model := fileToModel(f)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, f.Key)
		}
		return err
	}
	return nil
}

// GetFile retrieves a file regardless of owner.
func (s *GormStore) GetFile(id string) (domain.File, bool, error) {
	return s.firstFile("id = ?", id)
}

// GetOwnedFile retrieves a file only when userID owns it.
func (s *GormStore) GetOwnedFile(id, userID string) (domain.File, bool, error) {
	return s.firstFile("id = ? AND user_id = ?", id, userID)
}

// GetOwnedFileByKey retrieves an owned file by its storage key.
func (s *GormStore) GetOwnedFileByKey(key, userID string) (domain.File, bool, error) {
	return s.firstFile("key = ? AND user_id = ?", key, userID)
}

func (s *GormStore) firstFile(query string, args ...any) (domain.File, bool, error) {
	var model FileModel
	if err := s.db.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.File{}, false, nil
		}
		return domain.File{}, false, err
	}
	return fileFromModel(model), true, nil
}

// ListFilesByUser returns files owned by userID, newest first.
func (s *GormStore) ListFilesByUser(userID string) ([]domain.File, error) {
	var models []FileModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.File, 0, len(models))
	for _, m := range models {
		res = append(res, fileFromModel(m))
	}
	return res, nil
}

// CountFilesSince counts files a user created at or after since.
func (s *GormStore) CountFilesSince(userID string, since time.Time) (int, error) {
	var count int64
	if err := s.db.Model(&FileModel{}).
		Where("user_id = ? AND created_at >= ?", userID, since.UTC()).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SetFileStatus moves a PROCESSING file to a terminal status.
// Any other transition yields domain.ErrInvalidTransition.
func (s *GormStore) SetFileStatus(id string, status domain.UploadStatus) error {
	if !domain.CanTransition(domain.StatusProcessing, status) {
		return domain.ErrInvalidTransition
	}
	res := s.db.Model(&FileModel{}).
		Where("id = ? AND upload_status = ?", id, string(domain.StatusProcessing)).
		Updates(map[string]any{
			"upload_status": string(status),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// DeleteOwnedFile deletes a file owned by userID (messages follow by FK cascade).
func (s *GormStore) DeleteOwnedFile(id, userID string) (domain.File, bool, error) {
	var deleted domain.File
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model FileModel
		if err := tx.Where("id = ? AND user_id = ?", id, userID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Delete(&MessageModel{}, "file_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&FileModel{}, "id = ?", id).Error; err != nil {
			return err
		}
		deleted = fileFromModel(model)
		found = true
		return nil
	})
	if err != nil {
		return domain.File{}, false, err
	}
	return deleted, found, nil
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// RecentMessages returns the newest limit messages of a file in chronological order.
func (s *GormStore) RecentMessages(fileID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("file_id = ?", fileID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ListMessagesPage returns a newest-first page of messages strictly older than cursor.
func (s *GormStore) ListMessagesPage(fileID, cursor string, limit int) (domain.MessagePage, error) {
	limit = NormalizePageSize(limit)
	query := s.db.Where("file_id = ?", fileID)
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		var anchor MessageModel
		if err := s.db.Select("id", "created_at").
			Where("id = ? AND file_id = ?", cursor, fileID).
			First(&anchor).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.MessagePage{}, fmt.Errorf("%w: unknown cursor", domain.ErrValidation)
			}
			return domain.MessagePage{}, err
		}
		query = query.Where("(created_at, id) < (?, ?)", anchor.CreatedAt, anchor.ID)
	}
	var models []MessageModel
	if err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit + 1).
		Find(&models).Error; err != nil {
		return domain.MessagePage{}, err
	}
	page := domain.MessagePage{Messages: make([]domain.Message, 0, limit)}
	if len(models) > limit {
		models = models[:limit]
		page.NextCursor = models[limit-1].ID
	}
	for _, m := range models {
		page.Messages = append(page.Messages, messageFromModel(m))
	}
	return page, nil
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                     u.ID,
		Email:                  u.Email,
		StripeCustomerID:       optionalString(u.StripeCustomerID),
		StripeSubscriptionID:   optionalString(u.StripeSubscriptionID),
		StripePriceID:          u.StripePriceID,
		StripeCurrentPeriodEnd: u.StripeCurrentPeriodEnd,
		CreatedAt:              u.CreatedAt,
		UpdatedAt:              u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:                     m.ID,
		Email:                  m.Email,
		StripeCustomerID:       derefString(m.StripeCustomerID),
		StripeSubscriptionID:   derefString(m.StripeSubscriptionID),
		StripePriceID:          m.StripePriceID,
		StripeCurrentPeriodEnd: m.StripeCurrentPeriodEnd,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

func fileToModel(f domain.File) FileModel {
	return FileModel{
		ID:           f.ID,
		Key:          f.Key,
		Name:         f.Name,
		URL:          f.URL,
		UserID:       f.UserID,
		UploadStatus: string(f.UploadStatus),
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
}

func fileFromModel(m FileModel) domain.File {
	return domain.File{
		ID:           m.ID,
		Key:          m.Key,
		Name:         m.Name,
		URL:          m.URL,
		UserID:       m.UserID,
		UploadStatus: domain.UploadStatus(m.UploadStatus),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:            msg.ID,
		Text:          msg.Text,
		IsUserMessage: msg.IsUserMessage,
		FileID:        msg.FileID,
		UserID:        msg.UserID,
		CreatedAt:     msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:            m.ID,
		Text:          m.Text,
		IsUserMessage: m.IsUserMessage,
		FileID:        m.FileID,
		UserID:        m.UserID,
		CreatedAt:     m.CreatedAt,
	}
}

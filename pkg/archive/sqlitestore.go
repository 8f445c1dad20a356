package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

type conversationRow struct {
	ID              string     `gorm:"primaryKey;size:64"`
	Title           string     `gorm:"not null"`
	Model           string     `gorm:"not null"`
	Messages        string     `gorm:"type:text"`
	DocumentContext string     `gorm:"type:text"`
	SavedAt         *time.Time `gorm:"index"`
}

func (conversationRow) TableName() string {
	return "archived_conversations"
}

func (r *conversationRow) record() (*Record, error) {
	var messages []conversation.Message
	if err := json.Unmarshal([]byte(r.Messages), &messages); err != nil {
		return nil, errors.Wrap(ErrInvalidRecord, err.Error())
	}
	ret := &Record{
		ID:              r.ID,
		Title:           r.Title,
		Messages:        messages,
		Model:           r.Model,
		DocumentContext: r.DocumentContext,
	}
	if r.SavedAt != nil {
		ret.Timestamp = Timestamp{*r.SavedAt}
	}
	return ret, nil
}

// SQLiteStore keeps all conversations in one sqlite database.
type SQLiteStore struct {
	db           *gorm.DB
	now          func() time.Time
	defaultModel string
}

type SQLiteStoreOption func(*SQLiteStore)

func WithSQLiteClock(now func() time.Time) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// WithSQLiteDefaultModel sets the model given to rows saved without one.
func WithSQLiteDefaultModel(model string) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.defaultModel = model
	}
}

func NewSQLiteStore(path string, options ...SQLiteStoreOption) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "could not create directory for %s", path)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open archive database %s", path)
	}
	if err := migrate(db); err != nil {
		return nil, err
	}

	ret := &SQLiteStore{db: db, now: time.Now}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

// migrate creates the archive table, closing db when that fails.
func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&conversationRow{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return errors.Wrap(err, "could not migrate archive database")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, c *conversation.Conversation) error {
	if err := checkID(c.ID()); err != nil {
		return err
	}

	messages, err := json.Marshal(c.Turns())
	if err != nil {
		return errors.Wrap(err, "could not encode turns")
	}
	savedAt := s.now().UTC()
	row := conversationRow{
		ID:              c.ID(),
		Title:           c.Title(),
		Model:           c.Model(),
		Messages:        string(messages),
		DocumentContext: c.Context(),
		SavedAt:         &savedAt,
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "could not save conversation %s", c.ID())
	}

	c.MarkSaved(savedAt)
	log.Debug().Str("conversation_id", c.ID()).Msg("archived conversation")
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*conversation.Conversation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	var row conversationRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "%s", id)
		}
		return nil, errors.Wrapf(err, "could not load conversation %s", id)
	}

	record, err := row.record()
	if err != nil {
		return nil, err
	}
	return record.Conversation(s.defaultModel)
}

func (s *SQLiteStore) List(ctx context.Context) (*Listing, error) {
	var rows []conversationRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "could not list archived conversations")
	}

	ret := &Listing{}
	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		record, err := rows[i].record()
		if err == nil {
			_, err = record.Conversation(s.defaultModel)
		}
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", rows[i].ID).Msg("skipping unreadable archive row")
			ret.Problems = append(ret.Problems, Problem{Source: rows[i].ID, Err: err})
			continue
		}
		entries = append(entries, record.Entry())
	}

	ret.Entries = normalize(entries)
	return ret, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Delete(&conversationRow{}, "id = ?", id)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "could not delete conversation %s", id)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "%s", id)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)

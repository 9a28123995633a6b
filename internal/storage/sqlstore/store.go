package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fenggwsx/RelayChat/internal/config"
	"github.com/fenggwsx/RelayChat/internal/storage"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

// Store is a GORM-backed implementation of storage.Store for SQLite or PostgreSQL.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

type userModel struct {
	ID               uint   `gorm:"primaryKey"`
	Username         string `gorm:"size:100;uniqueIndex;not null"`
	Name             string `gorm:"size:100;not null"`
	Surname          string `gorm:"size:100"`
	ProfilePhotoLink string `gorm:"not null"`
	LastSeen         *time.Time
	Password         string `gorm:"size:100;not null"`
	CreatedAt        time.Time
}

func (userModel) TableName() string { return "users" }

type chatModel struct {
	ID            uint   `gorm:"primaryKey"`
	Name          string `gorm:"size:100"`
	AdminID       *uint  `gorm:"index"`
	ChatPhotoLink string
	IsGroup       bool `gorm:"index;not null"`
	CreatedAt     time.Time
}

func (chatModel) TableName() string { return "chats" }

type membershipModel struct {
	ChatID uint `gorm:"primaryKey;autoIncrement:false"`
	UserID uint `gorm:"primaryKey;autoIncrement:false;index"`
}

func (membershipModel) TableName() string { return "user_chats" }

type messageModel struct {
	ID     uint      `gorm:"primaryKey"`
	Text   string    `gorm:"type:text;not null"`
	SentAt time.Time `gorm:"index;not null"`
	UserID *uint     `gorm:"index"`
	ChatID uint      `gorm:"index;not null"`
}

func (messageModel) TableName() string { return "messages" }

type sentFileModel struct {
	ID        uint   `gorm:"primaryKey"`
	Link      string `gorm:"type:text;not null"`
	MessageID uint   `gorm:"index;not null"`
}

func (sentFileModel) TableName() string { return "sent_files" }

type unreadModel struct {
	UserID    uint `gorm:"primaryKey;autoIncrement:false"`
	MessageID uint `gorm:"primaryKey;autoIncrement:false;index"`
}

func (unreadModel) TableName() string { return "unread_messages" }

// Open connects to the configured database. log receives slow-query and error
// reports from gorm; nil silences them.
func Open(cfg config.DatabaseConfig, log *logrus.Entry) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		dialector = sqlite.Open(sqliteDSN(cfg.Path))
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres driver requires a dsn")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if log != nil {
		gormLogger = logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dialector.Name() == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return &Store{db: db}, nil
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "relaychat.db"
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&userModel{},
		&chatModel{},
		&membershipModel{},
		&messageModel{},
		&sentFileModel{},
		&unreadModel{},
	)
	return translate(err)
}

// translate maps driver errors onto the storage taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrStoreFailure),
		errors.Is(err, storage.ErrInvalidArgument):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return storage.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", storage.ErrStoreFailure, err)
	}
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// requireUsers fails with ErrNotFound unless every id names a user.
func requireUsers(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&userModel{}).Where("id IN ?", ids).Count(&count).Error; err != nil {
		return err
	}
	if int(count) != len(ids) {
		return fmt.Errorf("%w: unknown user in %v", storage.ErrNotFound, ids)
	}
	return nil
}

func requireChat(tx *gorm.DB, id uint) (*chatModel, error) {
	var model chatModel
	if err := tx.Where("id = ?", id).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: chat %d", storage.ErrNotFound, id)
		}
		return nil, err
	}
	return &model, nil
}

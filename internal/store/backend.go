package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Document names. Each one is a single JSON object or array.
const (
	DocRecords   = "records"
	DocHistory   = "history"
	DocPortStats = "port_stats"
)

// ErrNotFound is returned by a Backend when a document was never written.
var ErrNotFound = errors.New("document not found")

// Backend persists whole documents. Save must be atomic: a concurrent or
// later Load sees either the previous or the new body, never a mix.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}

// FileBackend keeps one <name>.json file per document under dir.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) *FileBackend {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(name string) string {
	return filepath.Join(b.dir, name+".json")
}

func (b *FileBackend) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

func (b *FileBackend) Save(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create data directory %q: %w", b.dir, err)
	}
	path := b.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persist %s: %w", name, err)
	}
	return nil
}

// Document is the row shape used by DBBackend.
type Document struct {
	Name      string         `gorm:"primaryKey" json:"name"`
	Body      datatypes.JSON `json:"body"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (Document) TableName() string { return "presence_documents" }

// DBBackend stores each document as one row, so a save is a single upsert.
type DBBackend struct {
	db *gorm.DB
}

func NewDBBackend(db *gorm.DB) (*DBBackend, error) {
	if err := db.AutoMigrate(&Document{}); err != nil {
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	return &DBBackend{db: db}, nil
}

func (b *DBBackend) Load(ctx context.Context, name string) ([]byte, error) {
	var doc Document
	err := b.db.WithContext(ctx).First(&doc, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return []byte(doc.Body), nil
}

func (b *DBBackend) Save(ctx context.Context, name string, data []byte) error {
	doc := Document{
		Name:      name,
		Body:      datatypes.JSON(append([]byte(nil), data...)),
		UpdatedAt: time.Now().UTC(),
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"body", "updated_at"}),
	}).Create(&doc).Error
	if err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func gormConfig() *gorm.Config {
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return &gorm.Config{Logger: gormLogger}
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.New(postgres.Config{DSN: dsn}), gormConfig())
}

func OpenSQLite(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}
	return gorm.Open(sqlite.Open(path), gormConfig())
}

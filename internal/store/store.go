// Package store is the single source of truth for tasks and conversations.
// Records live in SQLite; reads go through a small LRU cache that is
// invalidated on every write, and callers always receive fresh copies
// (replace-on-write, never in-place mutation of a fetched record).
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	_ "modernc.org/sqlite"

	"scriptnerd/internal/log"
)

// Config is the configuration for opening a Store.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// CacheSize is the read-through cache capacity per collection.
	CacheSize int
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 256
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "store"})
	return nil
}

// Store persists tasks and conversations.
type Store struct {
	db     *gorm.DB
	tasks  *lru.Cache[string, Task]
	convs  *lru.Cache[string, Conversation]
	logger log.Logger
}

// Open opens (creating if needed) the SQLite database and migrates the
// schema. The connection pool is pinned to a single connection; WAL mode
// plus a busy timeout keep concurrent readers from failing on lock.
func Open(cfg Config) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        cfg.Path,
	}, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := gdb.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := gdb.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := gdb.AutoMigrate(&taskRow{}, &conversationRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	taskCache, err := lru.New[string, Task](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("task cache: %w", err)
	}
	convCache, err := lru.New[string, Conversation](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("conversation cache: %w", err)
	}

	return &Store{
		db:     gdb,
		tasks:  taskCache,
		convs:  convCache,
		logger: cfg.Logger,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateTaskWithConversation inserts both halves of a new task atomically.
// Tasks and conversations are created together so neither can be orphaned.
func (s *Store) CreateTaskWithConversation(ctx context.Context, task Task, conv Conversation) error {
	if task.ConversationID != conv.ID {
		return fmt.Errorf("task %s does not reference conversation %s", task.ID, conv.ID)
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if conv.CreatedAt == 0 {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	convRow, err := conversationToRow(conv)
	if err != nil {
		return err
	}
	trow := taskToRow(task)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&trow).Error; err != nil {
			return err
		}
		return tx.Create(&convRow).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task %s: %w", task.ID, ErrAlreadyExists)
		}
		return classifyWriteError(err)
	}

	s.tasks.Remove(task.ID)
	s.convs.Remove(conv.ID)
	s.logger.Debugf("Created task %s with conversation %s", task.ID, conv.ID)
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	if cached, ok := s.tasks.Get(id); ok {
		return cached, nil
	}
	var row taskRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return Task{}, err
	}
	task := rowToTask(row)
	s.tasks.Add(id, task)
	return task, nil
}

// GetTaskByConversation returns the task owning the given conversation.
func (s *Store) GetTaskByConversation(ctx context.Context, conversationID string) (Task, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).First(&row, "conversation_id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Task{}, fmt.Errorf("task for conversation %s: %w", conversationID, ErrNotFound)
		}
		return Task{}, err
	}
	task := rowToTask(row)
	s.tasks.Add(task.ID, task)
	return task, nil
}

// ListTasks returns the working set of tasks, newest first. Tasks whose
// conversation can not be resolved are excluded (not deleted): a defensive
// read-time filter, not a write-time constraint.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}

	convIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		if r.ConversationID != "" {
			convIDs = append(convIDs, r.ConversationID)
		}
	}
	resolvable := map[string]bool{}
	if len(convIDs) > 0 {
		var ids []string
		if err := s.db.WithContext(ctx).Model(&conversationRow{}).
			Where("id IN ? AND domain != ''", convIDs).
			Pluck("id", &ids).Error; err != nil {
			return nil, err
		}
		for _, id := range ids {
			resolvable[id] = true
		}
	}

	tasks := make([]Task, 0, len(rows))
	for _, r := range rows {
		if !resolvable[r.ConversationID] {
			s.logger.Warningf("Excluding task %s: unresolvable conversation %q", r.ID, r.ConversationID)
			continue
		}
		tasks = append(tasks, rowToTask(r))
	}
	return tasks, nil
}

// ListEnabledTasks returns tasks eligible for auto-run.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]Task, error) {
	all, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make([]Task, 0, len(all))
	for _, t := range all {
		if t.Enabled {
			enabled = append(enabled, t)
		}
	}
	return enabled, nil
}

// UpdateTask replaces the stored task.
func (s *Store) UpdateTask(ctx context.Context, task Task) error {
	task.UpdatedAt = time.Now().Unix()
	res := s.db.WithContext(ctx).Model(&taskRow{}).Where("id = ?", task.ID).
		Select("*").Omit("id", "created_at").Updates(taskToRow(task))
	if res.Error != nil {
		return classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	s.tasks.Remove(task.ID)
	return nil
}

// DeleteTask removes a task and its conversation together.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&taskRow{}, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&conversationRow{}, "id = ?", task.ConversationID).Error
	})
	if err != nil {
		return classifyWriteError(err)
	}
	s.tasks.Remove(id)
	s.convs.Remove(task.ConversationID)
	s.logger.Infof("Deleted task %s and conversation %s", id, task.ConversationID)
	return nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	if cached, ok := s.convs.Get(id); ok {
		return cached.clone(), nil
	}
	var row conversationRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Conversation{}, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return Conversation{}, err
	}
	conv, err := rowToConversation(row)
	if err != nil {
		return Conversation{}, err
	}
	s.convs.Add(id, conv.clone())
	return conv, nil
}

// UpdateConversation replaces the stored conversation. Every field mutation
// in the orchestrator is followed immediately by this call so the record is
// never left half-written.
func (s *Store) UpdateConversation(ctx context.Context, conv Conversation) error {
	conv.UpdatedAt = time.Now().Unix()
	row, err := conversationToRow(conv)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", conv.ID).
		Select("*").Omit("id", "created_at").Updates(row)
	if res.Error != nil {
		return classifyWriteError(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("conversation %s: %w", conv.ID, ErrNotFound)
	}
	s.convs.Remove(conv.ID)
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

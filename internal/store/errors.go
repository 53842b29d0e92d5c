package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a task or conversation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a record with a taken id.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStorageFull is returned when SQLite reports the database or disk is
	// full. Oversized markup and screenshots are the dominant cause; callers
	// should suggest deleting old tasks to free space.
	ErrStorageFull = errors.New("storage full: delete old tasks to free space")
)

// classifyWriteError distinguishes quota exhaustion from generic write
// failure so the UI can show actionable guidance.
func classifyWriteError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database or disk is full") || strings.Contains(msg, "sqlite_full") {
		return errors.Join(ErrStorageFull, err)
	}
	return err
}

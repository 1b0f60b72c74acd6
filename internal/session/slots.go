package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gotdsession "github.com/gotd/td/session"
)

const (
	// SlotToken names the slot holding the raw bearer token.
	SlotToken = "auth_token"
	// SlotIdentity names the slot holding the JSON identity record.
	SlotIdentity = "user_data"
)

// Slot is one named durable value.
//
// LoadSession and StoreSession follow the gotd session.Storage contract:
// a missing value is reported as gotdsession.ErrNotFound.
type Slot interface {
	gotdsession.Storage
	// Clear removes the stored value. Clearing a missing value is not an error.
	Clear(ctx context.Context) error
}

// Slots groups the two slots backing a session.
type Slots struct {
	Token    Slot
	Identity Slot
}

func (s *Slots) usable() bool {
	return s != nil && s.Token != nil && s.Identity != nil
}

// FileSlots stores each slot in its own file under dir.
func FileSlots(dir string) (*Slots, error) {
	trimmedDir := strings.TrimSpace(dir)
	if trimmedDir == "" {
		return nil, fmt.Errorf("file slots: empty state directory")
	}

	absDir, err := filepath.Abs(trimmedDir)
	if err != nil {
		return nil, fmt.Errorf("file slots: resolve absolute state directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("file slots: create state directory %s: %w", absDir, err)
	}

	return &Slots{
		Token:    &fileSlot{storage: &gotdsession.FileStorage{Path: filepath.Join(absDir, SlotToken)}},
		Identity: &fileSlot{storage: &gotdsession.FileStorage{Path: filepath.Join(absDir, SlotIdentity)}},
	}, nil
}

// MemorySlots keeps both slots in process memory.
func MemorySlots() *Slots {
	return &Slots{
		Token:    &memorySlot{storage: new(gotdsession.StorageMemory)},
		Identity: &memorySlot{storage: new(gotdsession.StorageMemory)},
	}
}

type fileSlot struct {
	storage *gotdsession.FileStorage
}

func (s *fileSlot) LoadSession(ctx context.Context) ([]byte, error) {
	return s.storage.LoadSession(ctx)
}

func (s *fileSlot) StoreSession(ctx context.Context, data []byte) error {
	return s.storage.StoreSession(ctx, data)
}

func (s *fileSlot) Clear(_ context.Context) error {
	if err := os.Remove(s.storage.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear slot %s: %w", filepath.Base(s.storage.Path), err)
	}

	return nil
}

type memorySlot struct {
	storage *gotdsession.StorageMemory
}

func (s *memorySlot) LoadSession(ctx context.Context) ([]byte, error) {
	return s.storage.LoadSession(ctx)
}

func (s *memorySlot) StoreSession(ctx context.Context, data []byte) error {
	return s.storage.StoreSession(ctx, data)
}

func (s *memorySlot) Clear(ctx context.Context) error {
	return s.storage.StoreSession(ctx, nil)
}

// loadSlot reads one slot and folds "missing" and "empty" into found=false.
func loadSlot(ctx context.Context, slot Slot) (data []byte, found bool, err error) {
	data, err = slot.LoadSession(ctx)
	if errors.Is(err, gotdsession.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	return data, true, nil
}

package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fuelpos/backend/services/terminal/internal/models"
)

const (
	DefaultMaxItems = 500
	documentVersion = 1
)

var (
	ErrQueueFull    = errors.New("queue: offline queue is full")
	ErrDuplicateKey = errors.New("queue: idempotency key already queued")
)

var newKey = models.NewIdempotencyKey

var now = time.Now

type document struct {
	Version int                         `json:"version"`
	Items   []models.OfflineTransaction `json:"items"`
}

// Store is the durable FIFO of sales that could not be submitted. The whole
// queue lives in one JSON document that is loaded at open and rewritten on
// every change.
type Store struct {
	mu       sync.Mutex
	path     string
	maxItems int
	items    []models.OfflineTransaction
	logger   *zap.Logger
}

// EnqueueOption customises Enqueue.
type EnqueueOption func(*models.OfflineTransaction)

// WithIdempotencyKey reuses the key of a direct submission attempt that failed,
// so the server can recognise a retry of a sale it may already have recorded.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(tx *models.OfflineTransaction) {
		if key = strings.TrimSpace(key); key != "" {
			tx.IdempotencyKey = key
		}
	}
}

// WithCapturedAt overrides the capture timestamp.
func WithCapturedAt(at time.Time) EnqueueOption {
	return func(tx *models.OfflineTransaction) {
		if !at.IsZero() {
			tx.CapturedAt = at.UTC()
		}
	}
}

// Open loads the queue at path, creating parent directories as needed.
// maxItems <= 0 selects DefaultMaxItems.
func Open(path string, maxItems int, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue: path is required")
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}

	s := &Store{path: path, maxItems: maxItems, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("queue: read %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("queue: decode %s: %w", s.path, err)
	}
	s.items = doc.Items
	s.logger.Info("offline queue loaded", zap.String("path", s.path), zap.Int("count", len(s.items)))
	return nil
}

// Enqueue appends a sale with a fresh idempotency key and persists the queue
// before returning.
func (s *Store) Enqueue(draft models.SaleDraft, opts ...EnqueueOption) (models.OfflineTransaction, error) {
	tx := models.OfflineTransaction{
		IdempotencyKey: newKey(),
		CapturedAt:     now().UTC(),
		Draft:          draft,
	}
	for _, opt := range opts {
		opt(&tx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) >= s.maxItems {
		return models.OfflineTransaction{}, ErrQueueFull
	}
	for _, item := range s.items {
		if item.IdempotencyKey == tx.IdempotencyKey {
			return models.OfflineTransaction{}, fmt.Errorf("%w: %s", ErrDuplicateKey, tx.IdempotencyKey)
		}
	}

	next := append(s.items[:len(s.items):len(s.items)], tx)
	if err := s.persist(next); err != nil {
		return models.OfflineTransaction{}, err
	}
	s.items = next
	return tx, nil
}

// List returns a snapshot of the queue, oldest first.
func (s *Store) List() []models.OfflineTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OfflineTransaction, len(s.items))
	copy(out, s.items)
	return out
}

// Get returns the queued sale with key.
func (s *Store) Get(key string) (models.OfflineTransaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.IdempotencyKey == key {
			return item, true
		}
	}
	return models.OfflineTransaction{}, false
}

// Remove deletes the entry with key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, item := range s.items {
		if item.IdempotencyKey == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	next := make([]models.OfflineTransaction, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	if err := s.persist(next); err != nil {
		return err
	}
	s.items = next
	return nil
}

// Count returns the number of queued sales.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// persist writes items to a temp file and renames it over the queue file.
func (s *Store) persist(items []models.OfflineTransaction) error {
	if items == nil {
		items = []models.OfflineTransaction{}
	}
	data, err := json.MarshalIndent(document{Version: documentVersion, Items: items}, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("queue: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("queue: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("queue: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("queue: replace %s: %w", s.path, err)
	}
	return nil
}

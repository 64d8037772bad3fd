// Package conversation keeps the in-memory conversation as the source of
// truth during a session and flushes it to persistence on a timer.
package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/davybot/dawei/internal/persistence"
	"github.com/davybot/dawei/pkg/models"
)

// minAutoSaveInterval is the floor for the auto-save loop period.
const minAutoSaveInterval = 5 * time.Second

// Store owns the conversations of one workspace. Appends are serialized by
// the caller (the node executor); the store itself only guards its maps.
type Store struct {
	manager *persistence.Manager
	logger  *slog.Logger

	mu            sync.Mutex
	conversations map[string]*models.Conversation
	lastSaved     map[string]int

	interval time.Duration
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a store flushing through the persistence manager. The
// interval is clamped to at least five seconds.
func NewStore(manager *persistence.Manager, interval time.Duration) *Store {
	if interval < minAutoSaveInterval {
		interval = minAutoSaveInterval
	}
	return &Store{
		manager:       manager,
		logger:        slog.With("component", "conversation"),
		conversations: make(map[string]*models.Conversation),
		lastSaved:     make(map[string]int),
		interval:      interval,
		stop:          make(chan struct{}),
	}
}

// Start launches the auto-save loop.
func (s *Store) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.SaveDirty(context.Background())
			}
		}
	}()
}

// Stop halts the loop after a final flush.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	s.SaveDirty(context.Background())
}

// Create registers a new conversation.
func (s *Store) Create(title string) *models.Conversation {
	conv := models.NewConversation(title)
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return conv
}

// Get returns a live conversation by id, loading it from disk on a miss.
func (s *Store) Get(id string) (*models.Conversation, bool) {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	s.mu.Unlock()
	if ok {
		return conv, true
	}

	var loaded models.Conversation
	if err := s.manager.Load(persistence.ResourceConversation, id, &loaded); err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[id]; ok {
		return existing, true
	}
	s.conversations[id] = &loaded
	s.lastSaved[id] = loaded.MessageCount
	return &loaded, true
}

// Append adds a message to a conversation.
func (s *Store) Append(id string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return false
	}
	conv.Append(msg)
	return true
}

// Save flushes one conversation unconditionally. Content is sanitized
// before serialization.
func (s *Store) Save(ctx context.Context, id string) error {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	payload := conv.Sanitized()
	count := conv.MessageCount
	s.mu.Unlock()

	if err := s.manager.SaveWithRetry(ctx, persistence.ResourceConversation, id, payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSaved[id] = count
	s.mu.Unlock()
	return nil
}

// SaveDirty flushes every conversation whose message count grew since its
// last save. Saving with no new messages is a no-op, which keeps repeated
// saves idempotent.
func (s *Store) SaveDirty(ctx context.Context) {
	s.mu.Lock()
	var dirty []string
	for id, conv := range s.conversations {
		if conv.MessageCount > s.lastSaved[id] {
			dirty = append(dirty, id)
		}
	}
	s.mu.Unlock()

	for _, id := range dirty {
		if err := s.Save(ctx, id); err != nil {
			s.logger.Error("conversation auto-save failed", "conversation_id", id, "error", err)
		}
	}
}

// Delete drops a conversation from memory and disk.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.conversations, id)
	delete(s.lastSaved, id)
	s.mu.Unlock()
	_, err := s.manager.Delete(persistence.ResourceConversation, id)
	return err
}

// List returns the ids of every persisted conversation.
func (s *Store) List() ([]string, error) {
	return s.manager.List(persistence.ResourceConversation)
}

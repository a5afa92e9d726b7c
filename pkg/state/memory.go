package state

import (
	"maps"
	"sync"
	"time"

	"lotbot/pkg/clock"
)

// MemoryStore is the process-local Repository.
type MemoryStore struct {
	clock clock.Clock

	mu          sync.RWMutex
	states      map[ChatKey]Conversation
	uploadModes map[ChatKey]UploadMode
}

// NewMemoryStore builds an empty store. A nil clock uses the real clock.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}

	return &MemoryStore{
		clock:       c,
		states:      make(map[ChatKey]Conversation),
		uploadModes: make(map[ChatKey]UploadMode),
	}
}

// Set replaces any prior state for key. Setting Idle removes the entry.
func (s *MemoryStore) Set(key ChatKey, tag Tag, data map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tag == Idle || tag == "" {
		delete(s.states, key)
		return
	}

	s.states[key] = Conversation{
		Key:         key,
		Tag:         tag,
		Data:        maps.Clone(data),
		LastTouched: s.clock.Now(),
	}
}

// Get returns the state for key, or Idle with empty data when absent.
func (s *MemoryStore) Get(key ChatKey) Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.states[key]
	if !ok {
		return Conversation{Key: key, Tag: Idle, Data: map[string]string{}}
	}

	conv.Data = maps.Clone(conv.Data)
	if conv.Data == nil {
		conv.Data = map[string]string{}
	}
	return conv
}

// Clear removes the state for key. Clearing an absent key is a no-op.
func (s *MemoryStore) Clear(key ChatKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, key)
}

// ClearAllForUser removes every state whose user matches and returns how
// many were removed.
func (s *MemoryStore) ClearAllForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.states {
		if key.UserID == userID {
			delete(s.states, key)
			removed++
		}
	}
	return removed
}

// SweepExpired removes conversation states and upload modes untouched for
// strictly longer than maxAge. It returns the number of conversation states
// removed.
func (s *MemoryStore) SweepExpired(maxAge time.Duration) int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, conv := range s.states {
		if now.Sub(conv.LastTouched) > maxAge {
			delete(s.states, key)
			removed++
		}
	}
	for key, mode := range s.uploadModes {
		if now.Sub(mode.LastTouched) > maxAge {
			delete(s.uploadModes, key)
		}
	}
	return removed
}

// Len returns the number of non-Idle conversations.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// SetUploadMode activates upload mode for key with the given lot.
func (s *MemoryStore) SetUploadMode(key ChatKey, lot string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploadModes[key] = UploadMode{Key: key, Lot: lot, LastTouched: s.clock.Now()}
}

// UploadMode returns the active upload mode for key.
func (s *MemoryStore) UploadMode(key ChatKey) (UploadMode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mode, ok := s.uploadModes[key]
	return mode, ok
}

// TouchUploadMode refreshes the age of an active upload mode.
func (s *MemoryStore) TouchUploadMode(key ChatKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode, ok := s.uploadModes[key]; ok {
		mode.LastTouched = s.clock.Now()
		s.uploadModes[key] = mode
	}
}

// ClearUploadMode deactivates upload mode for key.
func (s *MemoryStore) ClearUploadMode(key ChatKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploadModes, key)
}

// ClearUploadModesForUser deactivates upload mode in every chat of userID.
func (s *MemoryStore) ClearUploadModesForUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key := range s.uploadModes {
		if key.UserID == userID {
			delete(s.uploadModes, key)
			removed++
		}
	}
	return removed
}

// UploadModeCount returns the number of chats in upload mode.
func (s *MemoryStore) UploadModeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.uploadModes)
}

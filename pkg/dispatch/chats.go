package dispatch

import "sync"

// maxChatsPerUser bounds how many chats are remembered per user; the oldest
// is forgotten first.
const maxChatsPerUser = 64

// chatRegistry remembers which chats each user has written in. Shares may
// only target those chats.
type chatRegistry struct {
	mu    sync.Mutex
	chats map[string][]string
}

func newChatRegistry() *chatRegistry {
	return &chatRegistry{chats: make(map[string][]string)}
}

func (r *chatRegistry) record(userID string, chatID string) {
	if userID == "" || chatID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	chats := r.chats[userID]
	for i, known := range chats {
		if known == chatID {
			chats = append(chats[:i], chats[i+1:]...)
			break
		}
	}
	chats = append(chats, chatID)
	if len(chats) > maxChatsPerUser {
		chats = chats[len(chats)-maxChatsPerUser:]
	}
	r.chats[userID] = chats
}

func (r *chatRegistry) seen(userID string, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, known := range r.chats[userID] {
		if known == chatID {
			return true
		}
	}
	return false
}

func (r *chatRegistry) forget(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.chats[userID])
	delete(r.chats, userID)
	return n
}

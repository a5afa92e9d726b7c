package state

import "time"

// Tag is the conversation state machine position for one chat key.
type Tag string

const (
	Idle             Tag = "idle"
	WaitingForLot    Tag = "waiting_for_lot"
	WaitingForDate   Tag = "waiting_for_date"
	WaitingForNewLot Tag = "waiting_for_new_lot"
)

// Well-known data keys carried in Conversation.Data.
const (
	DataFlow = "flow"
	DataLot  = "lot"
	DataDate = "date"
)

// ChatKey identifies one user in one chat. A direct chat has ChatID equal
// to the user's own id.
type ChatKey struct {
	UserID string
	ChatID string
}

func (k ChatKey) String() string {
	return k.UserID + "@" + k.ChatID
}

// Conversation is the stored state for one chat key.
type Conversation struct {
	Key         ChatKey
	Tag         Tag
	Data        map[string]string
	LastTouched time.Time
}

// Value returns Data[key] or "".
func (c Conversation) Value(key string) string {
	if c.Data == nil {
		return ""
	}
	return c.Data[key]
}

// UploadMode marks a chat as accepting images for a lot.
type UploadMode struct {
	Key         ChatKey
	Lot         string
	LastTouched time.Time
}

// Repository stores conversation state and upload-mode flags. Staleness is
// only enforced by SweepExpired; reads never expire entries.
type Repository interface {
	Set(key ChatKey, tag Tag, data map[string]string)
	Get(key ChatKey) Conversation
	Clear(key ChatKey)
	ClearAllForUser(userID string) int
	SweepExpired(maxAge time.Duration) int
	Len() int

	SetUploadMode(key ChatKey, lot string)
	UploadMode(key ChatKey) (UploadMode, bool)
	TouchUploadMode(key ChatKey)
	ClearUploadMode(key ChatKey)
	ClearUploadModesForUser(userID string) int
	UploadModeCount() int
}

// Transition reports whether moving from one tag to another is allowed.
// Any state may return to Idle.
func Transition(from Tag, to Tag) bool {
	if to == Idle {
		return true
	}

	switch from {
	case Idle:
		return to == WaitingForLot || to == WaitingForDate || to == WaitingForNewLot
	case WaitingForLot:
		return to == WaitingForDate || to == WaitingForNewLot
	default:
		return false
	}
}

// Package memory keeps the agent conversation handle for each robot session
// so consecutive callbacks continue the same conversation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL is how long an entry stays valid after its last activity.
const DefaultTTL = time.Hour

const keyPrefix = "popobot_conversation_memory"

// ErrInvalidEntry is returned when an entry cannot be stored.
var ErrInvalidEntry = errors.New("invalid memory entry")

// Entry correlates a robot session with the agent conversation it belongs to.
type Entry struct {
	BotAccount     string    `json:"bot_account"`
	MessageSource  string    `json:"message_source"`
	ConversationID string    `json:"conversation_id"`
	LastActivity   time.Time `json:"last_activity"`
}

// Store is the conversation memory used by dispatch. Get returns nil, nil
// when the key is absent or the entry has expired; an expired entry is
// removed as part of the read.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry Entry) error
	Delete(ctx context.Context, key string) error
}

// keyEscaper escapes the part separator so distinct parts never join into
// the same key.
var keyEscaper = strings.NewReplacer("%", "%25", "_", "%5F")

// Key builds the memory key for one session of one bot deployment. Parts
// are escaped; "team_a"/"key" and "team"/"a_key" map to different keys.
func Key(deployment, appKey, sessionID string) string {
	return fmt.Sprintf("%s_%s_%s_%s", keyPrefix,
		keyEscaper.Replace(deployment),
		keyEscaper.Replace(appKey),
		keyEscaper.Replace(sessionID))
}

func expired(entry Entry, now time.Time, ttl time.Duration) bool {
	return now.Sub(entry.LastActivity) > ttl
}

func validate(key string, entry Entry) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidEntry)
	}
	if entry.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidEntry)
	}
	return nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

package chat

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"arcbot/internal/domain"
)

const (
	// chainWindow is how many recent group messages are kept per chat.
	chainWindow = 5
	// chainLength identical messages from distinct users make a chain.
	chainLength = 3
)

// chainRoll decides between echoing and breaking a chain; tests may replace it.
var chainRoll = rand.Float64

type chainEntry struct {
	userID string
	text   string
}

// chainTracker spots group chats where several people repeat the same
// message one after another.
type chainTracker struct {
	mu     sync.Mutex
	recent map[domain.ChatKey][]chainEntry
}

func newChainTracker() *chainTracker {
	return &chainTracker{recent: make(map[domain.ChatKey][]chainEntry)}
}

func (c *chainTracker) observe(key domain.ChatKey, userID, text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r := append(c.recent[key], chainEntry{userID: userID, text: text})
	if len(r) > chainWindow {
		r = r[len(r)-chainWindow:]
	}
	c.recent[key] = r
}

// detect returns the repeated text when the last chainLength messages are
// identical and came from distinct users other than selfID.
func (c *chainTracker) detect(key domain.ChatKey, selfID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.recent[key]
	if len(r) < chainLength {
		return "", false
	}
	last := r[len(r)-chainLength:]
	users := map[string]bool{selfID: true}
	for _, e := range last {
		if e.text != last[0].text || users[e.userID] {
			return "", false
		}
		users[e.userID] = true
	}
	return last[0].text, true
}

// breakChainPrompt asks the model to interrupt a chain instead of joining it.
func breakChainPrompt(text string) string {
	return fmt.Sprintf("Several people in this group keep repeating the message %q. "+
		"Reply with one short line that breaks the chain: something different, "+
		"or a near copy with a playful typo.", text)
}

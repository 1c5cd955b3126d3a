package state

import (
	"fmt"
	"sync"
	"time"
)

// Sender is the author side of a chat message.
type Sender string

const (
	SenderInvestor Sender = "investor"
	SenderAdmin    Sender = "admin"
)

// ChatMessage is one entry of an investor's conversation.
type ChatMessage struct {
	ID         string    `json:"id"`
	Sender     Sender    `json:"type"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"timestamp"`
	InvestorID string    `json:"investorId"`
}

// Conversations stores an append-only message log per investor.
type Conversations struct {
	mu   sync.RWMutex
	logs map[string][]ChatMessage
	ids  *IDGenerator
	now  func() time.Time
}

// NewConversations creates an empty store. Message ids come from ids.
func NewConversations(ids *IDGenerator) *Conversations {
	return &Conversations{
		logs: make(map[string][]ChatMessage),
		ids:  ids,
		now:  time.Now,
	}
}

// Open creates the conversation for investorID if it does not exist yet.
func (c *Conversations) Open(investorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.logs[investorID]; !ok {
		c.logs[investorID] = []ChatMessage{}
	}
}

// Append adds a message to an existing conversation. It never creates one:
// appending for an investor that was not opened fails with ErrUnknownInvestor.
func (c *Conversations) Append(investorID string, sender Sender, content string) (ChatMessage, error) {
	if content == "" {
		return ChatMessage{}, ErrEmptyContent
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.logs[investorID]
	if !ok {
		return ChatMessage{}, fmt.Errorf("append to %q: %w", investorID, ErrUnknownInvestor)
	}

	msg := ChatMessage{
		ID:         c.ids.Next(),
		Sender:     sender,
		Content:    content,
		CreatedAt:  c.now(),
		InvestorID: investorID,
	}
	c.logs[investorID] = append(log, msg)
	return msg, nil
}

// Get returns a copy of the conversation in insertion order. Unknown ids yield
// an empty slice.
func (c *Conversations) Get(investorID string) []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	log := c.logs[investorID]
	out := make([]ChatMessage, len(log))
	copy(out, log)
	return out
}

// Exists reports whether a conversation was opened for investorID.
func (c *Conversations) Exists(investorID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.logs[investorID]
	return ok
}

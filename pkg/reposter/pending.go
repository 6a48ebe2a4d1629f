// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Emoji the bot arms confirmations with.
var (
	EmojiConfirm = Emoji{Name: "✅"}
	EmojiDelete  = Emoji{Name: "❌"}
)

type pendingAction struct {
	userID  string
	emoji   string
	expires time.Time
	run     func(ctx context.Context)
}

// PendingActions holds one-shot reaction confirmations keyed by the message
// they were armed on. A matching reaction (right user, right emoji) claims
// the action exactly once.
type PendingActions struct {
	mu      sync.Mutex
	actions map[string]*pendingAction
	ttl     time.Duration
	now     func() time.Time
}

// NewPendingActions returns an empty table whose entries expire after ttl.
func NewPendingActions(ttl time.Duration) *PendingActions {
	return &PendingActions{
		actions: make(map[string]*pendingAction),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Add arms an action on messageID. A second Add for the same message
// replaces the first.
func (p *PendingActions) Add(messageID, userID string, emoji Emoji, run func(ctx context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions[messageID] = &pendingAction{
		userID:  userID,
		emoji:   emoji.Name,
		expires: p.now().Add(p.ttl),
		run:     run,
	}
}

// Take claims the action armed on messageID if the reaction matches. The
// entry is removed on a match or when it has expired.
func (p *PendingActions) Take(messageID, userID string, emoji Emoji) (func(ctx context.Context), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	action, ok := p.actions[messageID]
	if !ok {
		return nil, false
	}
	if !p.now().Before(action.expires) {
		delete(p.actions, messageID)
		return nil, false
	}
	if action.userID != userID || action.emoji != emoji.Name {
		return nil, false
	}
	delete(p.actions, messageID)
	return action.run, true
}

// Sweep drops expired entries and returns how many were removed.
func (p *PendingActions) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	removed := 0
	for id, action := range p.actions {
		if !now.Before(action.expires) {
			delete(p.actions, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of armed actions.
func (p *PendingActions) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.actions)
}

// RunSweeper sweeps expired entries every interval until ctx is done. Pass 0
// to use one minute.
func (p *PendingActions) RunSweeper(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Sweep(); n > 0 {
				log.Debug().Int("removed", n).Int("pending", p.Len()).Msg("Expired pending confirmations")
			}
		}
	}
}

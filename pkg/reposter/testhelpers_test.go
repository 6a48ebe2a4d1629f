// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// sentMessage records one message delivered by the fake platform.
type sentMessage struct {
	ChannelID string
	Hook      string
	Identity  string
	Out       *Outbound
	ID        string
}

// fakePlatform is an in-memory Platform. History is stored oldest first and
// served newest first, the way chat platforms return it.
type fakePlatform struct {
	mu sync.Mutex

	me       *User
	channels map[string]*Channel
	guilds   map[string]*Guild
	members  map[string]*Member
	history  map[string][]*Message
	pins     map[string][]*Message
	hooks    map[string][]*Webhook
	noSend   map[string]bool
	emoji    map[string]bool

	sent      []sentMessage
	reactions []string
	fetches   int
	nextID    int
	identity  map[string]string
	createdHk int

	// onFetch runs after each history fetch with the fetch count.
	onFetch func(n int)
	// failSend makes every Send fail.
	failSend bool
	// failWebhooks makes webhook listing fail.
	failWebhooks bool
	// onWebhooks runs while a webhook listing is in flight.
	onWebhooks func()
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		me:       &User{ID: "bot", Username: "Reposter", Bot: true},
		channels: make(map[string]*Channel),
		guilds:   make(map[string]*Guild),
		members:  make(map[string]*Member),
		history:  make(map[string][]*Message),
		pins:     make(map[string][]*Message),
		hooks:    make(map[string][]*Webhook),
		noSend:   make(map[string]bool),
		emoji:    make(map[string]bool),
		identity: make(map[string]string),
		nextID:   1_000_000,
	}
}

func (f *fakePlatform) addChannel(ch *Channel) *Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[ch.ID] = ch
	return ch
}

func (f *fakePlatform) addGuild(g *Guild) *Guild {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guilds[g.ID] = g
	return g
}

// addHistory appends messages to a channel, oldest first.
func (f *fakePlatform) addHistory(channelID string, msgs ...*Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		m.ChannelID = channelID
	}
	f.history[channelID] = append(f.history[channelID], msgs...)
}

func (f *fakePlatform) sentTo(channelID string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, s := range f.sent {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakePlatform) texts(channelID string) []string {
	var out []string
	for _, s := range f.sentTo(channelID) {
		if s.Out.Content != "" {
			out = append(out, s.Out.Content)
		}
	}
	return out
}

func (f *fakePlatform) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakePlatform) Me() *User { return f.me }

func (f *fakePlatform) Channel(_ context.Context, channelID string) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[channelID]; ok {
		return ch, nil
	}
	return nil, ErrNotFound
}

func (f *fakePlatform) Guild(_ context.Context, guildID string) (*Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.guilds[guildID]; ok {
		return g, nil
	}
	return nil, ErrNotFound
}

func (f *fakePlatform) GuildChannels(_ context.Context, guildID string) ([]*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Channel
	for _, ch := range f.channels {
		if ch.GuildID == guildID {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b *Channel) int { return compareIDs(a.ID, b.ID) })
	return out, nil
}

func (f *fakePlatform) Guilds(context.Context) ([]*Guild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Guild, 0, len(f.guilds))
	for _, g := range f.guilds {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *Guild) int { return compareIDs(a.ID, b.ID) })
	return out, nil
}

func (f *fakePlatform) Member(_ context.Context, guildID, userID string) (*Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[guildID+":"+userID]; ok {
		return m, nil
	}
	return nil, ErrNotFound
}

func (f *fakePlatform) Messages(_ context.Context, channelID, afterID string, limit int) ([]*Message, error) {
	f.mu.Lock()
	all := f.history[channelID]
	start := 0
	if afterID != "" {
		start = len(all)
		for i, m := range all {
			if m.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := min(start+limit, len(all))
	page := slices.Clone(all[start:end])
	slices.Reverse(page)
	f.fetches++
	n := f.fetches
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return page, nil
}

func (f *fakePlatform) PinnedMessages(_ context.Context, channelID string) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.pins[channelID]), nil
}

func (f *fakePlatform) record(channelID, hook string, out *Outbound) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return nil, fmt.Errorf("send failed")
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.sent = append(f.sent, sentMessage{
		ChannelID: channelID,
		Hook:      hook,
		Identity:  f.identity[hook],
		Out:       out,
		ID:        id,
	})
	return &Message{ID: id, ChannelID: channelID, Author: f.me, Content: out.Content}, nil
}

func (f *fakePlatform) Send(_ context.Context, channelID string, out *Outbound) (*Message, error) {
	return f.record(channelID, "", out)
}

func (f *fakePlatform) React(_ context.Context, channelID, messageID string, emoji Emoji) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+":"+emoji.Name)
	return nil
}

func (f *fakePlatform) Webhooks(_ context.Context, channelID string) ([]*Webhook, error) {
	if f.onWebhooks != nil {
		f.onWebhooks()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWebhooks {
		return nil, fmt.Errorf("webhooks unavailable")
	}
	return slices.Clone(f.hooks[channelID]), nil
}

func (f *fakePlatform) CreateWebhook(_ context.Context, channelID, name string) (*Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdHk++
	hook := &Webhook{
		ID:        "hook-" + channelID,
		Token:     "token",
		ChannelID: channelID,
		Name:      name,
		Owned:     true,
	}
	f.hooks[channelID] = append(f.hooks[channelID], hook)
	return hook, nil
}

func (f *fakePlatform) EditWebhook(_ context.Context, hook *Webhook, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity[hook.ID] = name
	return nil
}

func (f *fakePlatform) ExecuteWebhook(_ context.Context, hook *Webhook, out *Outbound) (*Message, error) {
	return f.record(hook.ChannelID, hook.ID, out)
}

func (f *fakePlatform) KnowsEmoji(_ context.Context, emoji Emoji) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emoji[emoji.ID]
}

func (f *fakePlatform) CanSend(_ context.Context, channelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.noSend[channelID], nil
}

func (f *fakePlatform) Download(_ context.Context, url string) ([]byte, error) {
	return []byte("data:" + url), nil
}

func compareIDs(a, b string) int {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai - bi
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// msgs builds n default messages with sequential IDs, alternating between
// the given authors.
func msgs(n int, authors ...*User) []*Message {
	out := make([]*Message, n)
	for i := range out {
		out[i] = &Message{
			ID:      strconv.Itoa(i + 1),
			Author:  authors[i%len(authors)],
			Content: "message " + strconv.Itoa(i+1),
		}
	}
	return out
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(&MemoryStorage{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

var (
	alice = &User{ID: "u1", Username: "alice", Discriminator: "1111", AvatarURL: "https://cdn/alice.png"}
	bob   = &User{ID: "u2", Username: "bob", Discriminator: "0"}
)

// testWorld is a guild with a source and destination text channel.
type testWorld struct {
	platform *fakePlatform
	store    *Store
	engine   *Engine
	src      *Channel
	dst      *Channel
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	p := newFakePlatform()
	p.addGuild(&Guild{ID: "g1", Name: "Guild One", MemberCount: 42})
	src := p.addChannel(&Channel{ID: "10", GuildID: "g1", Name: "general", Topic: "chat", Kind: ChannelKindText})
	dst := p.addChannel(&Channel{ID: "20", GuildID: "g1", Name: "archive", Kind: ChannelKindText})
	store := newTestStore(t)
	return &testWorld{
		platform: p,
		store:    store,
		engine:   NewEngine(p, store, RelayConfig{}, zerolog.Nop()),
		src:      src,
		dst:      dst,
	}
}

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}

func saveCount(m *MemoryStorage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

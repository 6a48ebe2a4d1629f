// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
)

// rewriteTransport sends every request to the fake API server, keeping the
// path discordgo built.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	req.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type apiCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// fakeDiscord serves canned REST responses keyed by "METHOD path".
type fakeDiscord struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []apiCall
	responses map[string]any
}

func newFakeDiscord(t *testing.T) (*fakeDiscord, *Client) {
	t.Helper()
	f := &fakeDiscord{responses: make(map[string]any)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)

	session, err := discordgo.New("Bot test-token")
	if err != nil {
		t.Fatal(err)
	}
	target, _ := url.Parse(f.Server.URL)
	session.Client = &http.Client{Transport: rewriteTransport{target: target}}
	session.MaxRestRetries = 0
	c := newClient(session, zerolog.Nop())
	c.me = &reposter.User{ID: "bot", Username: "Reposter", Bot: true}
	return f, c
}

func (f *fakeDiscord) on(method, path string, response any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method+" /api/v"+discordgo.APIVersion+path] = response
}

func (f *fakeDiscord) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: string(body)})
	resp, ok := f.responses[r.Method+" "+r.URL.Path]
	f.mu.Unlock()

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Unknown","code":10003}`))
		return
	}
	if raw, isRaw := resp.([]byte); isRaw {
		_, _ = w.Write(raw)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeDiscord) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDiscord) lastCall(method, suffix string) *apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method && strings.HasSuffix(f.calls[i].Path, suffix) {
			c := f.calls[i]
			return &c
		}
	}
	return nil
}

func TestClientChannel(t *testing.T) {
	t.Parallel()
	f, c := newFakeDiscord(t)
	f.on(http.MethodGet, "/channels/111", map[string]any{
		"id": "111", "guild_id": "9", "name": "general", "topic": "hi", "type": 0,
	})

	ch, err := c.Channel(context.Background(), "111")
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if ch.Name != "general" || ch.GuildID != "9" || ch.Kind != reposter.ChannelKindText {
		t.Errorf("Channel: got %+v", ch)
	}
}

func TestClientChannelNotFound(t *testing.T) {
	t.Parallel()
	f, c := newFakeDiscord(t)
	if _, err := c.Channel(context.Background(), "222"); !errors.Is(err, reposter.ErrNotFound) {
		t.Errorf("missing channel: got %v, want ErrNotFound", err)
	}
	before := f.callCount()
	if _, err := c.Channel(context.Background(), "#general"); !errors.Is(err, reposter.ErrNotFound) {
		t.Errorf("non-snowflake: got %v, want ErrNotFound", err)
	}
	if f.callCount() != before {
		t.Error("non-snowflake IDs should not hit the API")
	}
}

func TestClientMessages(t *testing.T) {
	t.Parallel()
	f, c := newFakeDiscord(t)
	f.on(http.MethodGet, "/channels/111/messages", []map[string]any{
		{"id": "501", "channel_id": "111", "content": "first", "type": 0, "author": map[string]any{"id": "u1", "username": "alice"}},
		{"id": "503", "channel_id": "111", "content": "third", "type": 0, "author": map[string]any{"id": "u1", "username": "alice"}},
		{"id": "502", "channel_id": "111", "content": "second", "type": 7, "author": map[string]any{"id": "u2", "username": "bob"}},
	})

	msgs, err := c.Messages(context.Background(), "111", "", 100)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	call := f.lastCall(http.MethodGet, "/messages")
	if call == nil {
		t.Fatal("no history request")
	}
	if call.Query.Get("after") != "0" || call.Query.Get("limit") != "100" {
		t.Errorf("query: got %v", call.Query)
	}
	if len(msgs) != 3 || msgs[0].ID != "503" || msgs[2].ID != "501" {
		t.Fatalf("messages should be newest first: %+v", msgs)
	}
	if msgs[1].Kind != reposter.MessageMemberJoin {
		t.Errorf("Kind: got %v, want member join", msgs[1].Kind)
	}

	if _, err := c.Messages(context.Background(), "111", "503", 50); err != nil {
		t.Fatal(err)
	}
	if call := f.lastCall(http.MethodGet, "/messages"); call.Query.Get("after") != "503" {
		t.Errorf("after: got %q", call.Query.Get("after"))
	}
}

func TestClientSendSuppressesMentions(t *testing.T) {
	t.Parallel()
	f, c := newFakeDiscord(t)
	f.on(http.MethodPost, "/channels/111/messages", map[string]any{
		"id": "900", "channel_id": "111", "content": "hello @everyone", "type": 0,
		"author": map[string]any{"id": "bot", "username": "Reposter"},
	})

	sent, err := c.Send(context.Background(), "111", &reposter.Outbound{
		Content: "hello @everyone",
		Embed:   &reposter.Embed{Rich: true, Title: "card"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.ID != "900" {
		t.Errorf("ID: got %q", sent.ID)
	}
	call := f.lastCall(http.MethodPost, "/channels/111/messages")
	var body struct {
		Content         string `json:"content"`
		AllowedMentions *struct {
			Parse []string `json:"parse"`
		} `json:"allowed_mentions"`
		Embeds []struct {
			Title string `json:"title"`
		} `json:"embeds"`
	}
	if err := json.Unmarshal([]byte(call.Body), &body); err != nil {
		t.Fatalf("request body: %v (%s)", err, call.Body)
	}
	if body.AllowedMentions == nil || body.AllowedMentions.Parse == nil || len(body.AllowedMentions.Parse) != 0 {
		t.Errorf("allowed_mentions should parse nothing: %s", call.Body)
	}
	if len(body.Embeds) != 1 || body.Embeds[0].Title != "card" {
		t.Errorf("embeds: %+v", body.Embeds)
	}
}

func TestClientWebhooks(t *testing.T) {
	t.Parallel()
	f, c := newFakeDiscord(t)
	f.on(http.MethodGet, "/channels/111/webhooks", []map[string]any{
		{"id": "h1", "token": "t1", "channel_id": "111", "name": "alice", "user": map[string]any{"id": "bot"}},
		{"id": "h2", "token": "t2", "channel_id": "111", "name": "Other", "user": map[string]any{"id": "someone"}},
	})
	hooks, err := c.Webhooks(context.Background(), "111")
	if err != nil {
		t.Fatalf("Webhooks: %v", err)
	}
	if len(hooks) != 2 || !hooks[0].Owned || hooks[1].Owned {
		t.Errorf("ownership: %+v %+v", hooks[0], hooks[1])
	}
}

func TestClientExecuteWebhookWaits(t *testing.T) {
	t.Parallel()
	f, c := newFakeDiscord(t)
	f.on(http.MethodPost, "/webhooks/h1/t1", map[string]any{
		"id": "901", "channel_id": "111", "content": "via hook", "type": 0, "webhook_id": "h1",
		"author": map[string]any{"id": "h1", "username": "alice"},
	})
	sent, err := c.ExecuteWebhook(context.Background(), &reposter.Webhook{ID: "h1", Token: "t1", ChannelID: "111"}, &reposter.Outbound{Content: "via hook"})
	if err != nil {
		t.Fatalf("ExecuteWebhook: %v", err)
	}
	if sent.ID != "901" || sent.WebhookID != "h1" {
		t.Errorf("sent: %+v", sent)
	}
	if call := f.lastCall(http.MethodPost, "/webhooks/h1/t1"); call.Query.Get("wait") != "true" {
		t.Errorf("wait: got %q", call.Query.Get("wait"))
	}
}

func TestClientEditWebhookAvatar(t *testing.T) {
	t.Parallel()
	f, c := newFakeDiscord(t)
	png := []byte("\x89PNG\r\n\x1a\n0000")
	f.on(http.MethodGet, "/avatar.png", png)
	f.on(http.MethodPatch, "/webhooks/h1/t1", map[string]any{"id": "h1", "name": "alice"})

	avatarURL := f.Server.URL + "/api/v" + discordgo.APIVersion + "/avatar.png"
	err := c.EditWebhook(context.Background(), &reposter.Webhook{ID: "h1", Token: "t1"}, "alice", avatarURL)
	if err != nil {
		t.Fatalf("EditWebhook: %v", err)
	}
	call := f.lastCall(http.MethodPatch, "/webhooks/h1/t1")
	if call == nil {
		t.Fatal("no webhook edit request")
	}
	if !strings.Contains(call.Body, `"name":"alice"`) || !strings.Contains(call.Body, "data:image/png;base64,") {
		t.Errorf("edit body: %s", call.Body)
	}
}

func TestClientKnowsEmoji(t *testing.T) {
	t.Parallel()
	_, c := newFakeDiscord(t)
	if err := c.session.State.GuildAdd(&discordgo.Guild{
		ID:     "9",
		Emojis: []*discordgo.Emoji{{ID: "77", Name: "blob"}},
	}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if !c.KnowsEmoji(ctx, reposter.Emoji{Name: "👍"}) {
		t.Error("unicode emoji are always usable")
	}
	if !c.KnowsEmoji(ctx, reposter.Emoji{ID: "77", Name: "blob"}) {
		t.Error("emoji from a joined guild should be known")
	}
	if c.KnowsEmoji(ctx, reposter.Emoji{ID: "78", Name: "other"}) {
		t.Error("foreign emoji should be unknown")
	}
}

type recordingHandler struct {
	mu        sync.Mutex
	messages  []*reposter.Message
	reactions []*reposter.ReactionEvent
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg *reposter.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) HandleReaction(_ context.Context, evt *reposter.ReactionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reactions = append(h.reactions, evt)
}

func TestClientEventHandlers(t *testing.T) {
	t.Parallel()
	_, c := newFakeDiscord(t)
	h := &recordingHandler{}
	ctx := context.Background()

	c.handleMessage(ctx, h, &discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "111", Content: "hi", Author: &discordgo.User{ID: "u1", Username: "alice"},
	}})
	c.handleReaction(ctx, h, &discordgo.MessageReactionAdd{MessageReaction: &discordgo.MessageReaction{
		UserID: "u1", MessageID: "1", ChannelID: "111", Emoji: discordgo.Emoji{Name: "✅"},
	}})
	c.handleMessage(ctx, h, &discordgo.MessageCreate{})

	if len(h.messages) != 1 || h.messages[0].Content != "hi" {
		t.Errorf("messages: %+v", h.messages)
	}
	if len(h.reactions) != 1 || h.reactions[0].Emoji != reposter.EmojiConfirm {
		t.Errorf("reactions: %+v", h.reactions)
	}
}

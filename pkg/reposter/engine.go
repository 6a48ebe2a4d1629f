// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter/markup"
)

// Job describes one repost from a source channel into a destination channel.
type Job struct {
	Source      *Channel
	Destination *Channel
	Hook        bool
	Live        bool
}

// Result summarises a finished history walk.
type Result struct {
	Fetches  int
	Messages int
	Pins     int
	Stopped  bool
}

// relayState is carried across every message of one walk (or of one
// destination's live stream). lastAuthor drives header lines in plain mode.
type relayState struct {
	lastAuthor string
	active     func() bool
}

func (s *relayState) isActive() bool {
	return s.active == nil || s.active()
}

// destination serialises sends into one channel so a webhook rename and the
// content that follows it are never interleaved with another author.
type destination struct {
	mu   sync.Mutex
	live relayState
	// setup serialises webhook lookup and creation.
	setup sync.Mutex
	// identity is the author ID the destination's webhook currently shows.
	identity string
}

func (d *destination) shows(author *User) bool {
	return author.ID != "" && d.identity == author.ID
}

// Engine copies messages between channels.
type Engine struct {
	platform Platform
	store    *Store
	cfg      RelayConfig
	log      zerolog.Logger

	hooksMu sync.Mutex
	hooks   map[string]*Webhook
	hookIDs map[string]struct{}

	destMu sync.Mutex
	dests  map[string]*destination
}

// NewEngine creates an engine posting through platform.
func NewEngine(platform Platform, store *Store, cfg RelayConfig, log zerolog.Logger) *Engine {
	cfg.fillDefaults()
	return &Engine{
		platform: platform,
		store:    store,
		cfg:      cfg,
		log:      log.With().Str("component", "engine").Logger(),
		hooks:    make(map[string]*Webhook),
		hookIDs:  make(map[string]struct{}),
		dests:    make(map[string]*destination),
	}
}

func (e *Engine) destination(channelID string) *destination {
	e.destMu.Lock()
	defer e.destMu.Unlock()
	d, ok := e.dests[channelID]
	if !ok {
		d = &destination{}
		e.dests[channelID] = d
	}
	return d
}

// Repost runs a job. Live jobs register a forward rule and return at once;
// other jobs copy the source's pins (when enabled) and full history into the
// destination, oldest first, until history is exhausted or either channel
// stops being active.
func (e *Engine) Repost(ctx context.Context, job Job) (Result, error) {
	src, dst := job.Source, job.Destination
	if job.Live {
		return Result{}, e.RegisterLive(ctx, src.ID, src.DisplayName(), dst, job.Hook)
	}

	log := e.log.With().
		Str("walk_id", uuid.NewString()).
		Str("source_id", src.ID).
		Str("destination_id", dst.ID).
		Bool("hook", job.Hook).
		Logger()
	ctx = log.WithContext(ctx)

	var hook *Webhook
	if job.Hook {
		var err error
		hook, err = e.webhook(ctx, dst)
		if err != nil {
			log.Error().Err(err).Msg("Failed to get webhook")
			e.notify(ctx, dst.ID, "Failed to set up a webhook in this channel.")
			return Result{}, err
		}
	}

	if err := e.store.SetActive(true, src.ID, dst.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to persist active state")
	}

	state := &relayState{active: func() bool {
		return ctx.Err() == nil && e.store.IsActive(src.ID) && e.store.IsActive(dst.ID)
	}}

	log.Info().Msg("Starting repost")
	e.send(ctx, dst.ID, &Outbound{Embed: e.infoCard(ctx, src)})

	var res Result
	if e.store.Flag(FlagPins, ConfigKey(dst)) {
		pins, err := e.platform.PinnedMessages(ctx, src.ID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to fetch pinned messages")
			e.notify(ctx, dst.ID, "Failed to fetch pinned messages.")
		} else {
			// Pins arrive newest first.
			for i := len(pins) - 1; i >= 0; i-- {
				if !state.isActive() {
					log.Info().Msg("Repost stopped")
					res.Stopped = true
					return res, nil
				}
				e.repostMessage(ctx, dst, hook, pins[i], state)
				res.Pins++
			}
		}
	}

	cursor := ""
	for {
		if !state.isActive() {
			log.Info().Int("messages", res.Messages).Msg("Repost stopped")
			res.Stopped = true
			return res, nil
		}
		batch, err := e.platform.Messages(ctx, src.ID, cursor, e.cfg.HistoryPageSize)
		res.Fetches++
		if err != nil {
			log.Error().Err(err).Str("after", cursor).Msg("Failed to fetch messages")
			e.notify(ctx, dst.ID, "Failed to fetch messages.")
			return res, fmt.Errorf("failed to fetch history after %q: %w", cursor, err)
		}
		if len(batch) == 0 {
			break
		}
		// Batches arrive newest first; the newest ID is the next cursor.
		cursor = batch[0].ID
		for i := len(batch) - 1; i >= 0; i-- {
			if !state.isActive() {
				log.Info().Int("messages", res.Messages).Msg("Repost stopped")
				res.Stopped = true
				return res, nil
			}
			e.repostMessage(ctx, dst, hook, batch[i], state)
			res.Messages++
		}
		log.Debug().Int("batch", len(batch)).Int("messages", res.Messages).Msg("Reposted batch")
		if len(batch) < e.cfg.HistoryPageSize {
			// A short page means the walk has caught up.
			break
		}
	}

	log.Info().Int("messages", res.Messages).Int("pins", res.Pins).Msg("Repost complete")
	e.notify(ctx, dst.ID, "Repost Complete!")
	return res, nil
}

// RegisterLive stores a forward rule from sourceKey (a channel or guild ID)
// into dst and confirms it in dst.
func (e *Engine) RegisterLive(ctx context.Context, sourceKey, label string, dst *Channel, hook bool) error {
	if err := e.store.SetLive(sourceKey, LiveRule{Channel: dst.ID, Hook: hook}); err != nil {
		e.notify(ctx, dst.ID, "Failed to save the live repost.")
		return err
	}
	e.log.Info().
		Str("source", sourceKey).
		Str("destination_id", dst.ID).
		Bool("hook", hook).
		Msg("Registered live repost")
	e.notify(ctx, dst.ID, fmt.Sprintf("Live reposting from %s is now active.", label))
	return nil
}

// Forward applies the live rule for msg's channel, or failing that its
// guild. It reports whether a rule matched.
func (e *Engine) Forward(ctx context.Context, msg *Message) bool {
	rule, ok := e.store.Live(msg.ChannelID)
	if !ok && msg.GuildID != "" {
		rule, ok = e.store.Live(msg.GuildID)
	}
	if !ok || rule.Channel == msg.ChannelID {
		return false
	}
	log := e.log.With().
		Str("message_id", msg.ID).
		Str("source_id", msg.ChannelID).
		Str("destination_id", rule.Channel).
		Logger()

	dst, err := e.platform.Channel(ctx, rule.Channel)
	if err != nil {
		log.Warn().Err(err).Msg("Live repost destination is unavailable")
		return false
	}
	var hook *Webhook
	if rule.Hook && dst.Kind != ChannelKindDM {
		hook, err = e.webhook(ctx, dst)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to get webhook, forwarding without it")
			hook = nil
		}
	}
	d := e.destination(dst.ID)
	e.repostMessage(ctx, dst, hook, msg, &d.live)
	return true
}

// IsOwnWebhook reports whether id belongs to a webhook the engine posts with.
func (e *Engine) IsOwnWebhook(id string) bool {
	if id == "" {
		return false
	}
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	_, ok := e.hookIDs[id]
	return ok
}

// webhook returns the webhook used for dst, reusing one the bot created
// earlier or creating it.
func (e *Engine) webhook(ctx context.Context, dst *Channel) (*Webhook, error) {
	if hook := e.cachedWebhook(dst.ID); hook != nil {
		return hook, nil
	}
	d := e.destination(dst.ID)
	d.setup.Lock()
	defer d.setup.Unlock()
	if hook := e.cachedWebhook(dst.ID); hook != nil {
		return hook, nil
	}

	hooks, err := e.platform.Webhooks(ctx, dst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	var hook *Webhook
	for _, h := range hooks {
		if h.Token == "" {
			continue
		}
		if h.Owned {
			hook = h
			break
		}
		if hook == nil && h.Name == e.cfg.WebhookName {
			hook = h
		}
	}
	if hook == nil {
		hook, err = e.platform.CreateWebhook(ctx, dst.ID, e.cfg.WebhookName)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook: %w", err)
		}
		e.log.Info().Str("channel_id", dst.ID).Str("webhook_id", hook.ID).Msg("Created webhook")
	}

	e.hooksMu.Lock()
	e.hooks[dst.ID] = hook
	e.hookIDs[hook.ID] = struct{}{}
	e.hooksMu.Unlock()
	return hook, nil
}

func (e *Engine) cachedWebhook(channelID string) *Webhook {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	return e.hooks[channelID]
}

// repostMessage reposts one message into dst.
func (e *Engine) repostMessage(ctx context.Context, dst *Channel, hook *Webhook, msg *Message, state *relayState) {
	if msg.Kind == MessageUnsupported {
		return
	}
	d := e.destination(dst.ID)
	d.mu.Lock()
	defer d.mu.Unlock()

	key := ConfigKey(dst)
	author := msg.Author
	if author == nil {
		author = &User{Username: "Unknown user"}
	}

	if msg.Kind != MessageDefault {
		name := e.authorName(ctx, key, msg.GuildID, author)
		if hook != nil && !d.shows(author) {
			e.setIdentity(ctx, d, hook, name, author)
		}
		state.lastAuthor = ""
		e.deliver(ctx, dst, hook, &Outbound{
			Content: markup.Italic(markup.Escape(name) + " " + systemSuffix(msg.Kind)),
		})
		return
	}

	switch {
	case hook != nil:
		if !d.shows(author) {
			e.setIdentity(ctx, d, hook, e.authorName(ctx, key, msg.GuildID, author), author)
		}
	case author.ID != state.lastAuthor || author.ID == "":
		name := e.authorName(ctx, key, msg.GuildID, author)
		e.deliver(ctx, dst, nil, &Outbound{Content: markup.Bold(markup.Escape(name))})
		state.lastAuthor = author.ID
	}

	rules := e.store.Replacements(key)
	var last *Message
	if msg.Content != "" {
		if sent := e.deliver(ctx, dst, hook, &Outbound{Content: rules.Apply(msg.Content)}); sent != nil {
			last = sent
		}
	}
	for _, att := range msg.Attachments {
		if sent := e.deliver(ctx, dst, hook, e.attachmentOutbound(ctx, att)); sent != nil {
			last = sent
		}
	}
	for _, embed := range msg.Embeds {
		if embed == nil || !embed.Rich {
			continue
		}
		if sent := e.deliver(ctx, dst, hook, &Outbound{Embed: rules.ApplyEmbed(embed)}); sent != nil {
			last = sent
		}
	}

	if last != nil && len(msg.Reactions) > 0 {
		e.replayReactions(ctx, dst, last, msg.Reactions, state)
	}
}

func (e *Engine) attachmentOutbound(ctx context.Context, att *Attachment) *Outbound {
	if att.Size <= e.cfg.MaxInlineAttachment {
		data, err := e.platform.Download(ctx, att.URL)
		if err == nil {
			return &Outbound{Files: []*File{{
				Name:        att.Filename,
				ContentType: att.ContentType,
				Data:        data,
			}}}
		}
		e.log.Warn().Err(err).Str("url", att.URL).Msg("Failed to download attachment, posting link")
	}
	return &Outbound{Content: att.URL}
}

func (e *Engine) replayReactions(ctx context.Context, dst *Channel, target *Message, reactions []*MessageReaction, state *relayState) {
	for _, r := range reactions {
		if !state.isActive() {
			return
		}
		if !r.Emoji.Unicode() && !e.platform.KnowsEmoji(ctx, r.Emoji) {
			continue
		}
		if err := e.platform.React(ctx, dst.ID, target.ID, r.Emoji); err != nil {
			e.log.Debug().Err(err).
				Str("channel_id", dst.ID).
				Str("emoji", r.Emoji.Name).
				Msg("Failed to add reaction")
		}
	}
}

// setIdentity points hook at author. The caller holds d.mu.
func (e *Engine) setIdentity(ctx context.Context, d *destination, hook *Webhook, name string, author *User) {
	if err := e.platform.EditWebhook(ctx, hook, name, author.AvatarURL); err != nil {
		e.log.Warn().Err(err).Str("webhook_id", hook.ID).Msg("Failed to change webhook identity")
		d.identity = ""
		return
	}
	d.identity = author.ID
}

// deliver sends out through hook when set, otherwise as the bot. Failures are
// logged and yield nil.
func (e *Engine) deliver(ctx context.Context, dst *Channel, hook *Webhook, out *Outbound) *Message {
	if hook == nil {
		return e.send(ctx, dst.ID, out)
	}
	sent, err := e.platform.ExecuteWebhook(ctx, hook, out)
	if err != nil {
		e.log.Warn().Err(err).Str("channel_id", dst.ID).Str("webhook_id", hook.ID).Msg("Failed to send through webhook")
		return nil
	}
	return sent
}

func (e *Engine) send(ctx context.Context, channelID string, out *Outbound) *Message {
	sent, err := e.platform.Send(ctx, channelID, out)
	if err != nil {
		e.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to send message")
		return nil
	}
	return sent
}

func (e *Engine) notify(ctx context.Context, channelID, text string) {
	e.send(ctx, channelID, &Outbound{Content: text})
}

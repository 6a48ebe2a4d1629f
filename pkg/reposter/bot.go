// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Bot handles the events of one platform: commands, live forwarding and
// reaction confirmations.
type Bot struct {
	platform Platform
	store    *Store
	engine   *Engine
	resolver *Resolver
	pending  *PendingActions
	cfg      RelayConfig
	log      zerolog.Logger

	wg sync.WaitGroup
}

var _ EventHandler = (*Bot)(nil)

// NewBot wires an engine and resolver for platform around a shared store.
func NewBot(platform Platform, store *Store, cfg RelayConfig, log zerolog.Logger) *Bot {
	cfg.fillDefaults()
	pending := NewPendingActions(cfg.ConfirmTTL())
	engine := NewEngine(platform, store, cfg, log)
	return &Bot{
		platform: platform,
		store:    store,
		engine:   engine,
		resolver: NewResolver(platform, engine, store, pending, log),
		pending:  pending,
		cfg:      cfg,
		log:      log.With().Str("component", "bot").Logger(),
	}
}

// Pending returns the bot's confirmation table.
func (b *Bot) Pending() *PendingActions {
	return b.pending
}

// HandleMessage runs commands on their own goroutine and forwards everything
// else through the live rules.
func (b *Bot) HandleMessage(ctx context.Context, msg *Message) {
	if msg == nil || msg.Author == nil || msg.Kind == MessageUnsupported {
		return
	}
	if me := b.platform.Me(); me != nil && msg.Author.ID == me.ID {
		return
	}
	if b.engine.IsOwnWebhook(msg.WebhookID) {
		return
	}
	prefix := b.store.Prefix(messageConfigKey(msg), b.cfg.DefaultPrefix)
	if cmd, ok := ParseCommand(msg.Content, prefix); ok {
		b.spawn(ctx, func(ctx context.Context) {
			b.dispatch(ctx, msg, cmd)
		})
		return
	}
	b.engine.Forward(ctx, msg)
}

// HandleReaction runs the pending action armed on the reacted message, if
// the reaction matches it.
func (b *Bot) HandleReaction(ctx context.Context, evt *ReactionEvent) {
	if evt == nil {
		return
	}
	if me := b.platform.Me(); me != nil && evt.UserID == me.ID {
		return
	}
	run, ok := b.pending.Take(evt.MessageID, evt.UserID, evt.Emoji)
	if !ok {
		return
	}
	b.log.Debug().
		Str("message_id", evt.MessageID).
		Str("user_id", evt.UserID).
		Msg("Running confirmed action")
	b.spawn(ctx, run)
}

// Wait blocks until every command and confirmed action has returned.
func (b *Bot) Wait() {
	b.wg.Wait()
}

func (b *Bot) spawn(ctx context.Context, fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if err := recover(); err != nil {
				b.log.Error().Str("panic", fmt.Sprint(err)).Msg("Panic in command handler")
			}
		}()
		fn(ctx)
	}()
}

func (b *Bot) send(ctx context.Context, channelID string, out *Outbound) *Message {
	sent, err := b.platform.Send(ctx, channelID, out)
	if err != nil {
		b.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to send message")
		return nil
	}
	return sent
}

func (b *Bot) reply(ctx context.Context, channelID, text string) {
	b.send(ctx, channelID, &Outbound{Content: text})
}

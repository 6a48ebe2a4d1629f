// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter/markup"
)

var (
	ErrSelfRepost         = errors.New("cannot repost a channel into itself")
	ErrUnsupportedChannel = errors.New("unsupported channel type")
	ErrWebhookDM          = errors.New("webhooks are not available in direct messages")
	ErrNoPermission       = errors.New("missing permission to send messages")
	ErrLiveToGuild        = errors.New("live reposting into a whole guild is not supported")
)

// Direction says which side of a repost the resolved target is on.
type Direction int

const (
	// DirectionTo reposts the invoking channel into the target.
	DirectionTo Direction = iota
	// DirectionFrom reposts the target into the invoking channel.
	DirectionFrom
)

func (d Direction) String() string {
	if d == DirectionFrom {
		return "from"
	}
	return "to"
}

// Request is a repost command after parsing.
type Request struct {
	// Origin is the channel the command was issued in.
	Origin *Channel
	// Requester is the user who issued it.
	Requester string
	// Target is the identifier typed by the user.
	Target string
	// Trigger is the command message, used for channel mentions.
	Trigger   *Message
	Direction Direction
	Hook      bool
	Live      bool

	// Channel skips lookup when already resolved.
	Channel *Channel
}

// Resolution is the outcome of looking a target up. At most one of Channel
// and Guild is set; Candidates holds name matches otherwise.
type Resolution struct {
	Channel    *Channel
	Guild      *Guild
	Candidates []*Channel
}

// Resolver turns repost requests into engine jobs.
type Resolver struct {
	platform Platform
	engine   *Engine
	store    *Store
	pending  *PendingActions
	log      zerolog.Logger
}

func NewResolver(platform Platform, engine *Engine, store *Store, pending *PendingActions, log zerolog.Logger) *Resolver {
	return &Resolver{
		platform: platform,
		engine:   engine,
		store:    store,
		pending:  pending,
		log:      log.With().Str("component", "resolver").Logger(),
	}
}

// Lookup resolves target by channel ID, then guild ID, then the first channel
// mentioned in trigger, then by channel name across every joined guild.
func (r *Resolver) Lookup(ctx context.Context, target string, trigger *Message) (*Resolution, error) {
	target = strings.TrimSpace(target)
	if target != "" {
		if ch, err := r.platform.Channel(ctx, target); err == nil {
			return &Resolution{Channel: ch}, nil
		} else if !errors.Is(err, ErrNotFound) {
			r.log.Debug().Err(err).Str("target", target).Msg("Channel lookup failed")
		}
		if guild, err := r.platform.Guild(ctx, target); err == nil {
			return &Resolution{Guild: guild}, nil
		} else if !errors.Is(err, ErrNotFound) {
			r.log.Debug().Err(err).Str("target", target).Msg("Guild lookup failed")
		}
	}
	if trigger != nil {
		for _, id := range trigger.MentionedChannels {
			ch, err := r.platform.Channel(ctx, id)
			if err == nil {
				return &Resolution{Channel: ch}, nil
			}
			r.log.Debug().Err(err).Str("channel_id", id).Msg("Mentioned channel lookup failed")
		}
	}

	name := strings.TrimPrefix(target, "#")
	if name == "" {
		return &Resolution{}, nil
	}
	guilds, err := r.platform.Guilds(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list guilds: %w", err)
	}
	res := &Resolution{}
	for _, guild := range guilds {
		channels, err := r.platform.GuildChannels(ctx, guild.ID)
		if err != nil {
			r.log.Warn().Err(err).Str("guild_id", guild.ID).Msg("Failed to list guild channels")
			continue
		}
		for _, ch := range channels {
			if strings.EqualFold(ch.Name, name) {
				res.Candidates = append(res.Candidates, ch)
			}
		}
	}
	return res, nil
}

// Run resolves req and starts the repost. User-facing failures are reported
// in the origin channel and returned.
func (r *Resolver) Run(ctx context.Context, req Request) error {
	if req.Channel != nil {
		return r.start(ctx, req, req.Channel)
	}
	res, err := r.Lookup(ctx, req.Target, req.Trigger)
	if err != nil {
		r.reply(ctx, req.Origin.ID, "Failed to look up channels.")
		return err
	}
	switch {
	case res.Channel != nil:
		return r.start(ctx, req, res.Channel)
	case res.Guild != nil:
		return r.expandGuild(ctx, req, res.Guild)
	case len(res.Candidates) == 1:
		return r.start(ctx, req, res.Candidates[0])
	case len(res.Candidates) > 1:
		r.offer(ctx, req, res.Candidates)
		return nil
	default:
		r.reply(ctx, req.Origin.ID, fmt.Sprintf("Could not find a channel or server matching %s.", markup.Code(req.Target)))
		return fmt.Errorf("%w: %q", ErrNotFound, req.Target)
	}
}

func (r *Resolver) start(ctx context.Context, req Request, target *Channel) error {
	src, dst := req.Origin, target
	if req.Direction == DirectionFrom {
		src, dst = target, req.Origin
	}
	if err := r.check(ctx, req, src, dst); err != nil {
		r.reply(ctx, req.Origin.ID, rejection(err, target))
		return err
	}
	_, err := r.engine.Repost(ctx, Job{
		Source:      src,
		Destination: dst,
		Hook:        req.Hook,
		Live:        req.Live,
	})
	return err
}

func (r *Resolver) check(ctx context.Context, req Request, src, dst *Channel) error {
	if src.ID == dst.ID {
		return ErrSelfRepost
	}
	for _, ch := range []*Channel{src, dst} {
		switch ch.Kind {
		case ChannelKindText, ChannelKindDM, ChannelKindGroupDM:
		default:
			return ErrUnsupportedChannel
		}
	}
	if req.Hook && dst.Kind == ChannelKindDM {
		return ErrWebhookDM
	}
	if req.Direction == DirectionTo && dst.Kind == ChannelKindText {
		ok, err := r.platform.CanSend(ctx, dst.ID)
		if err != nil {
			r.log.Debug().Err(err).Str("channel_id", dst.ID).Msg("Permission check failed")
			return ErrNoPermission
		} else if !ok {
			return ErrNoPermission
		}
	}
	return nil
}

func rejection(err error, target *Channel) string {
	switch {
	case errors.Is(err, ErrSelfRepost):
		return "Cannot repost a channel into itself."
	case errors.Is(err, ErrUnsupportedChannel):
		return fmt.Sprintf("Cannot repost with %s, only text channels and direct messages are supported.", target.DisplayName())
	case errors.Is(err, ErrWebhookDM):
		return "Webhooks cannot be used in direct messages."
	case errors.Is(err, ErrNoPermission):
		return fmt.Sprintf("I don't have permission to send messages in %s.", target.DisplayName())
	default:
		return "Failed to start repost."
	}
}

// expandGuild reposts between the origin and every text channel of guild.
// A live request from a guild registers a single guild-wide rule; a live
// request into a guild is rejected.
func (r *Resolver) expandGuild(ctx context.Context, req Request, guild *Guild) error {
	if req.Live {
		if req.Direction == DirectionFrom {
			return r.engine.RegisterLive(ctx, guild.ID, guild.Name, req.Origin, req.Hook)
		}
		r.reply(ctx, req.Origin.ID, fmt.Sprintf(
			"Live reposting into a whole server is not supported, pick one channel of %s.", guild.Name))
		return ErrLiveToGuild
	}
	channels, err := r.platform.GuildChannels(ctx, guild.ID)
	if err != nil {
		r.reply(ctx, req.Origin.ID, "Failed to list the channels of "+guild.Name+".")
		return fmt.Errorf("failed to list guild channels: %w", err)
	}
	targets := make([]*Channel, 0, len(channels))
	ids := []string{req.Origin.ID}
	for _, ch := range channels {
		if ch.ID == req.Origin.ID || ch.Kind != ChannelKindText {
			continue
		}
		targets = append(targets, ch)
		ids = append(ids, ch.ID)
	}
	if err := r.store.SetActive(true, ids...); err != nil {
		r.log.Warn().Err(err).Msg("Failed to persist active state")
	}
	log := r.log.With().Str("guild_id", guild.ID).Str("direction", req.Direction.String()).Logger()
	log.Info().Int("channels", len(targets)).Msg("Reposting across guild")
	for _, ch := range targets {
		if ctx.Err() != nil || !r.store.IsActive(req.Origin.ID) {
			log.Info().Msg("Guild repost stopped")
			return nil
		}
		next := req
		next.Channel = ch
		if err := r.start(ctx, next, ch); err != nil {
			log.Debug().Err(err).Str("channel_id", ch.ID).Msg("Skipped guild channel")
		}
	}
	return nil
}

// offer posts one card per candidate, each armed with a confirmation that
// reruns the request with that candidate.
func (r *Resolver) offer(ctx context.Context, req Request, candidates []*Channel) {
	r.reply(ctx, req.Origin.ID, fmt.Sprintf(
		"Found %d channels named %s. React with %s on the one you meant.",
		len(candidates), markup.Code(req.Target), EmojiConfirm.Name,
	))
	for _, ch := range candidates {
		sent, err := r.platform.Send(ctx, req.Origin.ID, &Outbound{Embed: r.candidateCard(ctx, ch)})
		if err != nil {
			r.log.Warn().Err(err).Str("channel_id", req.Origin.ID).Msg("Failed to send candidate card")
			continue
		}
		next := req
		next.Channel = ch
		r.pending.Add(sent.ID, req.Requester, EmojiConfirm, func(ctx context.Context) {
			if err := r.Run(ctx, next); err != nil {
				r.log.Debug().Err(err).Msg("Confirmed repost failed")
			}
		})
		if err := r.platform.React(ctx, req.Origin.ID, sent.ID, EmojiConfirm); err != nil {
			r.log.Debug().Err(err).Str("message_id", sent.ID).Msg("Failed to add confirmation reaction")
		}
	}
}

func (r *Resolver) candidateCard(ctx context.Context, ch *Channel) *Embed {
	card := &Embed{
		Rich:        true,
		Color:       infoColor,
		Title:       ch.DisplayName(),
		Description: ch.Topic,
		FooterText:  "ID: " + ch.ID,
	}
	if ch.GuildID != "" {
		if guild, err := r.platform.Guild(ctx, ch.GuildID); err == nil {
			card.AuthorName = guild.Name
		}
	}
	return card
}

func (r *Resolver) reply(ctx context.Context, channelID, text string) {
	if _, err := r.platform.Send(ctx, channelID, &Outbound{Content: text}); err != nil {
		r.log.Warn().Err(err).Str("channel_id", channelID).Msg("Failed to send reply")
	}
}

// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discord connects the reposter to Discord through discordgo.
package discord

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
)

// Intents are the gateway intents the bot subscribes to.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildMessageReactions |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsDirectMessageReactions |
	discordgo.IntentsMessageContent

var snowflakeRe = regexp.MustCompile(`^\d{1,20}$`)

// Client is a Discord bot session implementing [reposter.Platform].
type Client struct {
	session *discordgo.Session
	me      *reposter.User
	log     zerolog.Logger
}

var _ reposter.Platform = (*Client)(nil)

// New creates a client for a bot token. The session is not opened until Run.
func New(token string, log zerolog.Logger) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = Intents
	return newClient(session, log), nil
}

func newClient(session *discordgo.Session, log zerolog.Logger) *Client {
	// Handlers run on the gateway goroutine, in arrival order.
	session.SyncEvents = true
	return &Client{
		session: session,
		log:     log.With().Str("component", "discord").Logger(),
	}
}

// Run opens the gateway, delivers events to handler until ctx is done and
// closes the session.
func (c *Client) Run(ctx context.Context, handler reposter.EventHandler) error {
	me, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to verify discord token: %w", err)
	}
	c.me = convertUser(me)
	c.log.Info().Str("user_id", me.ID).Str("username", me.Username).Msg("Authenticated")

	removeMessage := c.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.MessageCreate) {
		c.handleMessage(ctx, handler, evt)
	})
	defer removeMessage()
	removeReaction := c.session.AddHandler(func(_ *discordgo.Session, evt *discordgo.MessageReactionAdd) {
		c.handleReaction(ctx, handler, evt)
	})
	defer removeReaction()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	c.log.Info().Msg("Gateway connected")
	<-ctx.Done()
	c.log.Info().Msg("Closing gateway")
	if err := c.session.Close(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to close gateway")
	}
	return nil
}

func (c *Client) handleMessage(ctx context.Context, handler reposter.EventHandler, evt *discordgo.MessageCreate) {
	if evt.Message == nil {
		return
	}
	handler.HandleMessage(ctx, convertMessage(evt.Message))
}

func (c *Client) handleReaction(ctx context.Context, handler reposter.EventHandler, evt *discordgo.MessageReactionAdd) {
	if evt.MessageReaction == nil {
		return
	}
	handler.HandleReaction(ctx, &reposter.ReactionEvent{
		MessageID: evt.MessageID,
		ChannelID: evt.ChannelID,
		UserID:    evt.UserID,
		Emoji:     convertEmoji(&evt.Emoji),
	})
}

// mapError turns Discord 404s into [reposter.ErrNotFound].
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", reposter.ErrNotFound, err)
	}
	return err
}

func (c *Client) Me() *reposter.User {
	return c.me
}

func (c *Client) Channel(ctx context.Context, channelID string) (*reposter.Channel, error) {
	if !snowflakeRe.MatchString(channelID) {
		return nil, reposter.ErrNotFound
	}
	if ch, err := c.session.State.Channel(channelID); err == nil {
		return convertChannel(ch), nil
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return convertChannel(ch), nil
}

func (c *Client) Guild(ctx context.Context, guildID string) (*reposter.Guild, error) {
	if !snowflakeRe.MatchString(guildID) {
		return nil, reposter.ErrNotFound
	}
	g, err := c.session.GuildWithCounts(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	count := g.ApproximateMemberCount
	if count == 0 {
		count = g.MemberCount
	}
	return &reposter.Guild{ID: g.ID, Name: g.Name, MemberCount: count}, nil
}

func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]*reposter.Channel, error) {
	channels, err := c.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]*reposter.Channel, 0, len(channels))
	for _, ch := range channels {
		out = append(out, convertChannel(ch))
	}
	return out, nil
}

// Guilds returns the guilds from the gateway state.
func (c *Client) Guilds(context.Context) ([]*reposter.Guild, error) {
	c.session.State.RLock()
	defer c.session.State.RUnlock()
	out := make([]*reposter.Guild, 0, len(c.session.State.Guilds))
	for _, g := range c.session.State.Guilds {
		out = append(out, &reposter.Guild{ID: g.ID, Name: g.Name, MemberCount: g.MemberCount})
	}
	return out, nil
}

func (c *Client) Member(ctx context.Context, guildID, userID string) (*reposter.Member, error) {
	m, err := c.session.State.Member(guildID, userID)
	if err != nil {
		m, err = c.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapError(err)
		}
	}
	return &reposter.Member{User: convertUser(m.User), Nick: m.Nick}, nil
}

func (c *Client) Messages(ctx context.Context, channelID, afterID string, limit int) ([]*reposter.Message, error) {
	if afterID == "" {
		afterID = "0"
	}
	page, err := c.session.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return convertHistory(page), nil
}

func (c *Client) PinnedMessages(ctx context.Context, channelID string) ([]*reposter.Message, error) {
	page, err := c.session.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]*reposter.Message, 0, len(page))
	for _, m := range page {
		out = append(out, convertMessage(m))
	}
	return out, nil
}

// noMentions stops reposted text from pinging anyone.
var noMentions = &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}

func buildFiles(files []*reposter.File) []*discordgo.File {
	out := make([]*discordgo.File, 0, len(files))
	for _, f := range files {
		out = append(out, &discordgo.File{
			Name:        f.Name,
			ContentType: f.ContentType,
			Reader:      bytes.NewReader(f.Data),
		})
	}
	return out
}

func (c *Client) Send(ctx context.Context, channelID string, msg *reposter.Outbound) (*reposter.Message, error) {
	data := &discordgo.MessageSend{
		Content:         msg.Content,
		Files:           buildFiles(msg.Files),
		AllowedMentions: noMentions,
	}
	if msg.Embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{buildEmbed(msg.Embed)}
	}
	sent, err := c.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return convertMessage(sent), nil
}

func (c *Client) React(ctx context.Context, channelID, messageID string, emoji reposter.Emoji) error {
	e := &discordgo.Emoji{ID: emoji.ID, Name: emoji.Name, Animated: emoji.Animated}
	return mapError(c.session.MessageReactionAdd(channelID, messageID, e.APIName(), discordgo.WithContext(ctx)))
}

func (c *Client) convertWebhook(h *discordgo.Webhook) *reposter.Webhook {
	owned := c.me != nil && h.User != nil && h.User.ID == c.me.ID
	return &reposter.Webhook{
		ID:        h.ID,
		Token:     h.Token,
		ChannelID: h.ChannelID,
		Name:      h.Name,
		Owned:     owned,
	}
}

func (c *Client) Webhooks(ctx context.Context, channelID string) ([]*reposter.Webhook, error) {
	hooks, err := c.session.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]*reposter.Webhook, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, c.convertWebhook(h))
	}
	return out, nil
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (*reposter.Webhook, error) {
	h, err := c.session.WebhookCreate(channelID, name, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	hook := c.convertWebhook(h)
	hook.Owned = true
	return hook, nil
}

// EditWebhook renames the webhook and replaces its avatar. Discord wants the
// avatar as a data URI, so the image is downloaded first; when that fails
// only the name changes.
func (c *Client) EditWebhook(ctx context.Context, hook *reposter.Webhook, name, avatarURL string) error {
	avatar := ""
	if avatarURL != "" {
		data, err := c.Download(ctx, avatarURL)
		if err != nil {
			c.log.Debug().Err(err).Str("url", avatarURL).Msg("Failed to download avatar")
		} else {
			avatar = "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data)
		}
	}
	_, err := c.session.WebhookEditWithToken(hook.ID, hook.Token, name, avatar, discordgo.WithContext(ctx))
	return mapError(err)
}

func (c *Client) ExecuteWebhook(ctx context.Context, hook *reposter.Webhook, msg *reposter.Outbound) (*reposter.Message, error) {
	params := &discordgo.WebhookParams{
		Content:         msg.Content,
		Files:           buildFiles(msg.Files),
		AllowedMentions: noMentions,
	}
	if msg.Embed != nil {
		params.Embeds = []*discordgo.MessageEmbed{buildEmbed(msg.Embed)}
	}
	sent, err := c.session.WebhookExecute(hook.ID, hook.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return convertMessage(sent), nil
}

// KnowsEmoji reports whether a custom emoji belongs to a guild the bot is in.
func (c *Client) KnowsEmoji(_ context.Context, emoji reposter.Emoji) bool {
	if emoji.Unicode() {
		return true
	}
	c.session.State.RLock()
	defer c.session.State.RUnlock()
	for _, g := range c.session.State.Guilds {
		for _, e := range g.Emojis {
			if e.ID == emoji.ID {
				return true
			}
		}
	}
	return false
}

func (c *Client) CanSend(ctx context.Context, channelID string) (bool, error) {
	if c.me == nil {
		return false, errors.New("not connected")
	}
	perms, err := c.session.UserChannelPermissions(c.me.ID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, mapError(err)
	}
	return perms&discordgo.PermissionSendMessages != 0, nil
}

// Download fetches an attachment or avatar from the Discord CDN.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.session.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: HTTP %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

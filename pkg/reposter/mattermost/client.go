// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost connects the reposter to a Mattermost server. Teams are
// exposed as guilds and incoming webhooks provide the posting identity.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter/markup"
)

const (
	// scanPageSize is the page size used to find the start of a channel.
	scanPageSize   = 200
	reconnectDelay = 5 * time.Second
)

// identity is the name and icon a webhook posts with. Mattermost applies it
// per post, so it lives here rather than on the server.
type identity struct {
	name    string
	iconURL string
}

// Client implements reposter.Platform on top of the Mattermost REST API and
// event websocket.
type Client struct {
	client    *model.Client4
	serverURL string
	me        *reposter.User
	log       zerolog.Logger

	mu         sync.Mutex
	users      map[string]*model.User
	teams      map[string]string
	identities map[string]identity
}

var _ reposter.Platform = (*Client)(nil)

// New creates a client for a bot or personal access token.
func New(serverURL, token string, log zerolog.Logger) *Client {
	serverURL = strings.TrimSuffix(serverURL, "/")
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return newClient(client, serverURL, log)
}

func newClient(client *model.Client4, serverURL string, log zerolog.Logger) *Client {
	return &Client{
		client:     client,
		serverURL:  serverURL,
		log:        log.With().Str("component", "mattermost").Logger(),
		users:      make(map[string]*model.User),
		teams:      make(map[string]string),
		identities: make(map[string]identity),
	}
}

// Run logs in, then delivers websocket events to handler until ctx is
// cancelled. A dropped websocket is reconnected.
func (c *Client) Run(ctx context.Context, handler reposter.EventHandler) error {
	me, resp, err := c.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to get current user: %w", mapError(resp, err))
	}
	c.me = convertUser(me)
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Logged in to Mattermost")

	ws, err := c.connectWebSocket()
	if err != nil {
		return err
	}
	for {
		c.listenWebSocket(ctx, ws, handler)
		ws.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn().Msg("WebSocket event channel closed, reconnecting")
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(reconnectDelay):
			}
			if ws, err = c.connectWebSocket(); err == nil {
				break
			}
			c.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
		}
	}
}

func (c *Client) connectWebSocket() (*model.WebSocketClient, error) {
	wsURL := httpToWS(c.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return ws, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (c *Client) listenWebSocket(ctx context.Context, ws *model.WebSocketClient, handler reposter.EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				return
			}
			if evt == nil {
				continue
			}
			c.handleEvent(ctx, handler, evt)
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, handler reposter.EventHandler, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		post, err := c.parsePostedEvent(evt)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse posted event")
			return
		}
		if post == nil {
			return
		}
		msg := c.message(ctx, post)
		c.resolveMentions(ctx, msg)
		handler.HandleMessage(ctx, msg)
	case model.WebsocketEventReactionAdded:
		reaction, err := c.parseReactionEvent(evt)
		if err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse reaction added event")
			return
		}
		if reaction == nil {
			return
		}
		channelID := reaction.ChannelId
		if channelID == "" {
			channelID = evt.GetBroadcast().ChannelId
		}
		handler.HandleReaction(ctx, &reposter.ReactionEvent{
			MessageID: reaction.PostId,
			ChannelID: channelID,
			UserID:    reaction.UserId,
			Emoji:     convertEmoji(reaction.EmojiName),
		})
	}
}

// parsePostedEvent extracts the post from a posted event. Returns (nil, nil)
// for the bot's own posts.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, errors.New("posted event has no post")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if c.me != nil && post.UserId == c.me.ID {
		return nil, nil
	}
	return &post, nil
}

// parseReactionEvent extracts the reaction from a reaction event. Returns
// (nil, nil) for the bot's own reactions.
func (c *Client) parseReactionEvent(evt *model.WebSocketEvent) (*model.Reaction, error) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, errors.New("reaction event has no reaction")
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}
	if c.me != nil && reaction.UserId == c.me.ID {
		return nil, nil
	}
	return &reaction, nil
}

func mapError(resp *model.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %w", reposter.ErrNotFound, err)
	}
	return err
}

func (c *Client) Me() *reposter.User {
	return c.me
}

func (c *Client) user(ctx context.Context, userID string) (*model.User, error) {
	c.mu.Lock()
	u, ok := c.users[userID]
	c.mu.Unlock()
	if ok {
		return u, nil
	}
	u, resp, err := c.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, mapError(resp, err)
	}
	c.mu.Lock()
	c.users[userID] = u
	c.mu.Unlock()
	return u, nil
}

// channelTeam returns the team a channel belongs to, or "" for direct and
// group messages.
func (c *Client) channelTeam(ctx context.Context, channelID string) (string, error) {
	c.mu.Lock()
	team, ok := c.teams[channelID]
	c.mu.Unlock()
	if ok {
		return team, nil
	}
	ch, err := c.Channel(ctx, channelID)
	if err != nil {
		return "", err
	}
	return ch.GuildID, nil
}

func (c *Client) avatarURL(userID string) string {
	return c.serverURL + "/api/v4/users/" + userID + "/image"
}

func (c *Client) fileURL(fileID string) string {
	return c.serverURL + "/api/v4/files/" + fileID
}

func (c *Client) author(ctx context.Context, post *model.Post) *reposter.User {
	out := &reposter.User{ID: post.UserId}
	if u, err := c.user(ctx, post.UserId); err == nil {
		out = convertUser(u)
	} else {
		c.log.Debug().Err(err).Str("user_id", post.UserId).Msg("Failed to get post author")
	}
	out.AvatarURL = c.avatarURL(post.UserId)
	if name, ok := post.GetProp(model.PostPropsOverrideUsername).(string); ok && name != "" {
		out.Username = name
	}
	if icon, ok := post.GetProp(model.PostPropsOverrideIconURL).(string); ok && icon != "" {
		out.AvatarURL = icon
	}
	return out
}

func (c *Client) message(ctx context.Context, post *model.Post) *reposter.Message {
	msg := c.convertPost(post)
	msg.Author = c.author(ctx, post)
	team, err := c.channelTeam(ctx, post.ChannelId)
	if err != nil {
		c.log.Debug().Err(err).Str("channel_id", post.ChannelId).Msg("Failed to get channel team")
	}
	msg.GuildID = team
	return msg
}

// resolveMentions fills MentionedChannels from ~channel references. Only
// live posts need it, so history pages skip the lookups.
func (c *Client) resolveMentions(ctx context.Context, msg *reposter.Message) {
	if msg.GuildID == "" {
		return
	}
	for _, name := range channelMentions(msg.Content) {
		ch, _, err := c.client.GetChannelByName(ctx, name, msg.GuildID, "")
		if err != nil {
			continue
		}
		msg.MentionedChannels = append(msg.MentionedChannels, ch.Id)
	}
}

func (c *Client) convertPosts(ctx context.Context, posts []*model.Post) []*reposter.Message {
	sortNewestFirst(posts)
	out := make([]*reposter.Message, 0, len(posts))
	for _, p := range posts {
		out = append(out, c.message(ctx, p))
	}
	return out
}

func (c *Client) Channel(ctx context.Context, channelID string) (*reposter.Channel, error) {
	if !model.IsValidId(channelID) {
		return nil, fmt.Errorf("channel %q: %w", channelID, reposter.ErrNotFound)
	}
	ch, resp, err := c.client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, mapError(resp, err)
	}
	out := convertChannel(ch)
	if out.GuildID == "" {
		out.Recipients = c.recipients(ctx, ch.Id)
	}
	c.mu.Lock()
	c.teams[ch.Id] = out.GuildID
	c.mu.Unlock()
	return out, nil
}

// recipients lists the other members of a direct or group message.
func (c *Client) recipients(ctx context.Context, channelID string) []*reposter.User {
	members, _, err := c.client.GetChannelMembers(ctx, channelID, 0, 200, "")
	if err != nil {
		c.log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to get channel members")
		return nil
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if c.me != nil && m.UserId == c.me.ID {
			continue
		}
		ids = append(ids, m.UserId)
	}
	if len(ids) == 0 {
		return nil
	}
	users, _, err := c.client.GetUsersByIds(ctx, ids)
	if err != nil {
		c.log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to get channel recipients")
		return nil
	}
	out := make([]*reposter.User, 0, len(users))
	for _, u := range users {
		user := convertUser(u)
		user.AvatarURL = c.avatarURL(u.Id)
		out = append(out, user)
	}
	return out
}

func (c *Client) Guild(ctx context.Context, guildID string) (*reposter.Guild, error) {
	if !model.IsValidId(guildID) {
		return nil, fmt.Errorf("team %q: %w", guildID, reposter.ErrNotFound)
	}
	team, resp, err := c.client.GetTeam(ctx, guildID, "")
	if err != nil {
		return nil, mapError(resp, err)
	}
	out := &reposter.Guild{ID: team.Id, Name: team.DisplayName}
	if stats, _, err := c.client.GetTeamStats(ctx, guildID, ""); err == nil {
		out.MemberCount = int(stats.TotalMemberCount)
	}
	return out, nil
}

func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]*reposter.Channel, error) {
	channels, resp, err := c.client.GetChannelsForTeamForUser(ctx, guildID, c.me.ID, false, "")
	if err != nil {
		return nil, mapError(resp, err)
	}
	out := make([]*reposter.Channel, 0, len(channels))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		converted := convertChannel(ch)
		c.teams[ch.Id] = converted.GuildID
		out = append(out, converted)
	}
	return out, nil
}

func (c *Client) Guilds(ctx context.Context) ([]*reposter.Guild, error) {
	teams, resp, err := c.client.GetTeamsForUser(ctx, c.me.ID, "")
	if err != nil {
		return nil, mapError(resp, err)
	}
	out := make([]*reposter.Guild, 0, len(teams))
	for _, t := range teams {
		out = append(out, &reposter.Guild{ID: t.Id, Name: t.DisplayName})
	}
	return out, nil
}

func (c *Client) Member(ctx context.Context, guildID, userID string) (*reposter.Member, error) {
	if _, resp, err := c.client.GetTeamMember(ctx, guildID, userID, ""); err != nil {
		return nil, mapError(resp, err)
	}
	u, err := c.user(ctx, userID)
	if err != nil {
		return nil, err
	}
	user := convertUser(u)
	user.AvatarURL = c.avatarURL(u.Id)
	return &reposter.Member{User: user, Nick: u.Nickname}, nil
}

// Messages returns up to limit posts after afterID, newest first. With an
// empty afterID it returns the first posts of the channel.
func (c *Client) Messages(ctx context.Context, channelID, afterID string, limit int) ([]*reposter.Message, error) {
	if afterID == "" {
		posts, err := c.oldestPosts(ctx, channelID, limit)
		if err != nil {
			return nil, err
		}
		return c.convertPosts(ctx, posts), nil
	}
	list, resp, err := c.client.GetPostsAfter(ctx, channelID, afterID, 0, limit, "", false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts: %w", mapError(resp, err))
	}
	return c.convertPosts(ctx, list.ToSlice()), nil
}

// oldestPosts pages back to the first post of the channel and returns it
// with the limit-1 posts that follow it.
func (c *Client) oldestPosts(ctx context.Context, channelID string, limit int) ([]*model.Post, error) {
	var oldest *model.Post
	for page := 0; ; page++ {
		list, resp, err := c.client.GetPostsForChannel(ctx, channelID, page, scanPageSize, "", false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch posts: %w", mapError(resp, err))
		}
		posts := list.ToSlice()
		sortNewestFirst(posts)
		if len(posts) > 0 {
			oldest = posts[len(posts)-1]
		}
		if len(posts) < scanPageSize {
			break
		}
	}
	if oldest == nil {
		return nil, nil
	}
	out := []*model.Post{oldest}
	if limit > 1 {
		list, resp, err := c.client.GetPostsAfter(ctx, channelID, oldest.Id, 0, limit-1, "", false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch posts: %w", mapError(resp, err))
		}
		out = append(out, list.ToSlice()...)
	}
	return out, nil
}

func (c *Client) PinnedMessages(ctx context.Context, channelID string) ([]*reposter.Message, error) {
	list, resp, err := c.client.GetPinnedPosts(ctx, channelID, "")
	if err != nil {
		return nil, mapError(resp, err)
	}
	return c.convertPosts(ctx, list.ToSlice()), nil
}

func (c *Client) upload(ctx context.Context, channelID string, files []*reposter.File) ([]string, error) {
	var ids []string
	for _, f := range files {
		resp, _, err := c.client.UploadFile(ctx, f.Data, channelID, f.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", f.Name, err)
		}
		if len(resp.FileInfos) == 0 {
			return nil, fmt.Errorf("no file info returned for %s", f.Name)
		}
		ids = append(ids, resp.FileInfos[0].Id)
	}
	return ids, nil
}

func (c *Client) buildPost(ctx context.Context, channelID string, msg *reposter.Outbound) (*model.Post, error) {
	post := &model.Post{
		ChannelId: channelID,
		Message:   markup.DefuseMentions(msg.Content),
	}
	if msg.Embed != nil {
		post.AddProp("attachments", []*model.SlackAttachment{buildAttachment(msg.Embed)})
	}
	ids, err := c.upload(ctx, channelID, msg.Files)
	if err != nil {
		return nil, err
	}
	post.FileIds = ids
	return post, nil
}

func (c *Client) createPost(ctx context.Context, post *model.Post) (*reposter.Message, error) {
	created, resp, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return nil, mapError(resp, err)
	}
	out := c.convertPost(created)
	out.Author = c.me
	return out, nil
}

func (c *Client) Send(ctx context.Context, channelID string, msg *reposter.Outbound) (*reposter.Message, error) {
	post, err := c.buildPost(ctx, channelID, msg)
	if err != nil {
		return nil, err
	}
	return c.createPost(ctx, post)
}

func (c *Client) React(ctx context.Context, channelID, messageID string, emoji reposter.Emoji) error {
	_, resp, err := c.client.SaveReaction(ctx, &model.Reaction{
		UserId:    c.me.ID,
		PostId:    messageID,
		EmojiName: emojiName(emoji),
		ChannelId: channelID,
	})
	return mapError(resp, err)
}

func (c *Client) convertWebhook(h *model.IncomingWebhook) *reposter.Webhook {
	return &reposter.Webhook{
		ID:        h.Id,
		Token:     h.Id,
		ChannelID: h.ChannelId,
		Name:      h.DisplayName,
		Owned:     c.me != nil && h.UserId == c.me.ID,
	}
}

func (c *Client) Webhooks(ctx context.Context, channelID string) ([]*reposter.Webhook, error) {
	team, err := c.channelTeam(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if team == "" {
		return nil, nil
	}
	hooks, resp, err := c.client.GetIncomingWebhooksForTeam(ctx, team, 0, 200, "")
	if err != nil {
		return nil, mapError(resp, err)
	}
	var out []*reposter.Webhook
	for _, h := range hooks {
		if h.ChannelId == channelID {
			out = append(out, c.convertWebhook(h))
		}
	}
	return out, nil
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (*reposter.Webhook, error) {
	team, err := c.channelTeam(ctx, channelID)
	if err != nil {
		return nil, err
	}
	hook, resp, err := c.client.CreateIncomingWebhook(ctx, &model.IncomingWebhook{
		ChannelId:     channelID,
		TeamId:        team,
		DisplayName:   name,
		Description:   "Reposted messages",
		ChannelLocked: true,
	})
	if err != nil {
		return nil, mapError(resp, err)
	}
	return c.convertWebhook(hook), nil
}

// EditWebhook records the identity the next posts through hook use.
func (c *Client) EditWebhook(_ context.Context, hook *reposter.Webhook, name, avatarURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identities[hook.ID] = identity{name: name, iconURL: avatarURL}
	return nil
}

func (c *Client) identity(hook *reposter.Webhook) identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.identities[hook.ID]; ok {
		return id
	}
	return identity{name: hook.Name}
}

// ExecuteWebhook posts msg through hook. Incoming webhooks cannot carry
// uploads, so messages with files are posted by the bot with the same
// username and icon overrides.
func (c *Client) ExecuteWebhook(ctx context.Context, hook *reposter.Webhook, msg *reposter.Outbound) (*reposter.Message, error) {
	id := c.identity(hook)
	if len(msg.Files) > 0 {
		post, err := c.buildPost(ctx, hook.ChannelID, msg)
		if err != nil {
			return nil, err
		}
		post.AddProp(model.PostPropsFromWebhook, "true")
		post.AddProp(model.PostPropsOverrideUsername, id.name)
		post.AddProp(model.PostPropsOverrideIconURL, id.iconURL)
		post.AddProp("webhook_id", hook.ID)
		return c.createPost(ctx, post)
	}

	req := &model.IncomingWebhookRequest{
		Text:     markup.DefuseMentions(msg.Content),
		Username: id.name,
		IconURL:  id.iconURL,
		Props:    model.StringInterface{"webhook_id": hook.ID},
	}
	if msg.Embed != nil {
		req.Attachments = []*model.SlackAttachment{buildAttachment(msg.Embed)}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/hooks/"+hook.Token, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return c.latestHookPost(ctx, hook)
}

// latestHookPost finds the post a webhook call just created. Incoming
// webhooks do not return it, so the newest post of the channel is used when
// it carries the hook's ID.
func (c *Client) latestHookPost(ctx context.Context, hook *reposter.Webhook) (*reposter.Message, error) {
	list, _, err := c.client.GetPostsForChannel(ctx, hook.ChannelID, 0, 1, "", false, false)
	if err != nil {
		c.log.Debug().Err(err).Str("webhook_id", hook.ID).Msg("Failed to look up webhook post")
		return nil, nil
	}
	for _, p := range list.ToSlice() {
		if p.GetProp("webhook_id") == hook.ID {
			return c.convertPost(p), nil
		}
	}
	return nil, nil
}

// KnowsEmoji reports whether emoji can be used as a reaction on this server.
func (c *Client) KnowsEmoji(ctx context.Context, emoji reposter.Emoji) bool {
	if emoji.Unicode() {
		return true
	}
	if _, ok := model.GetSystemEmojiId(emoji.Name); ok {
		return true
	}
	_, _, err := c.client.GetEmojiByName(ctx, emoji.Name)
	return err == nil
}

func (c *Client) CanSend(ctx context.Context, channelID string) (bool, error) {
	_, resp, err := c.client.GetChannelMember(ctx, channelID, c.me.ID, "")
	if err != nil {
		if errors.Is(mapError(resp, err), reposter.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Download fetches a file. Server file URLs go through the authenticated
// API; anything else is fetched directly.
func (c *Client) Download(ctx context.Context, url string) ([]byte, error) {
	if fileID, ok := strings.CutPrefix(url, c.serverURL+"/api/v4/files/"); ok {
		data, resp, err := c.client.GetFile(ctx, fileID)
		if err != nil {
			return nil, mapError(resp, err)
		}
		return data, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by a Platform when the requested object does not
// exist or is not visible to the bot.
var ErrNotFound = errors.New("not found")

// ChannelKind classifies a channel by what the relay can do with it.
type ChannelKind int

const (
	ChannelKindOther ChannelKind = iota
	ChannelKindText
	ChannelKindDM
	ChannelKindGroupDM
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelKindText:
		return "text"
	case ChannelKindDM:
		return "dm"
	case ChannelKindGroupDM:
		return "group_dm"
	default:
		return "other"
	}
}

// User is a platform account.
type User struct {
	ID            string
	Username      string
	Discriminator string
	AvatarURL     string
	Bot           bool
}

// Tag returns the discriminator suffix ("#1234"), or "" for accounts
// without one.
func (u *User) Tag() string {
	if u == nil || u.Discriminator == "" || u.Discriminator == "0" {
		return ""
	}
	return "#" + u.Discriminator
}

// Channel is a place messages are posted to.
type Channel struct {
	ID         string
	GuildID    string
	Name       string
	Topic      string
	Kind       ChannelKind
	Recipients []*User
}

// Guild is a server (Discord) or team (Mattermost).
type Guild struct {
	ID          string
	Name        string
	MemberCount int
}

// Member is a user's membership in a guild.
type Member struct {
	User *User
	Nick string
}

// MessageKind distinguishes regular messages from system notices.
type MessageKind int

const (
	MessageDefault MessageKind = iota
	MessageRecipientAdd
	MessageRecipientRemove
	MessageCall
	MessageChannelNameChange
	MessageChannelIconChange
	MessagePinNotice
	MessageMemberJoin
	// MessageUnsupported marks notices the relay does not reproduce. They are
	// still returned in history so paging stays aligned.
	MessageUnsupported
)

// Attachment is an uploaded file on a message.
type Attachment struct {
	ID          string
	Filename    string
	URL         string
	ContentType string
	Size        int
}

// EmbedField is one name/value pair inside an embed.
type EmbedField struct {
	Name   string
	Value  string
	Inline bool
}

// Embed is a rich card attached to a message. Only Rich embeds are reposted;
// link previews and other generated embeds are not.
type Embed struct {
	Rich          bool
	Title         string
	URL           string
	Description   string
	Color         int
	AuthorName    string
	AuthorURL     string
	AuthorIconURL string
	FooterText    string
	FooterIconURL string
	ImageURL      string
	ThumbnailURL  string
	Fields        []EmbedField
}

// Emoji identifies a reaction emoji. Unicode emoji have an empty ID.
type Emoji struct {
	ID       string
	Name     string
	Animated bool
}

// Unicode reports whether e is a built-in Unicode emoji.
func (e Emoji) Unicode() bool {
	return e.ID == ""
}

// MessageReaction is an aggregated reaction on a message.
type MessageReaction struct {
	Emoji Emoji
	Count int
}

// Message is a platform message in a platform-neutral shape.
type Message struct {
	ID                string
	ChannelID         string
	GuildID           string
	WebhookID         string
	Kind              MessageKind
	Author            *User
	Content           string
	Attachments       []*Attachment
	Embeds            []*Embed
	Reactions         []*MessageReaction
	MentionedChannels []string
}

// File is an upload on an outbound message.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Outbound is a message to be sent.
type Outbound struct {
	Content string
	Embed   *Embed
	Files   []*File
}

// Webhook is a posting identity bound to one channel. Owned is set when the
// bot created it.
type Webhook struct {
	ID        string
	Token     string
	ChannelID string
	Name      string
	Owned     bool
}

// ReactionEvent is a reaction added by a user.
type ReactionEvent struct {
	MessageID string
	ChannelID string
	UserID    string
	Emoji     Emoji
}

// Platform is the set of chat-platform operations the relay depends on.
//
// Messages and PinnedMessages return newest first, which is how both
// supported platforms deliver them. Messages with an empty afterID starts at
// the oldest message of the channel.
type Platform interface {
	Me() *User

	Channel(ctx context.Context, channelID string) (*Channel, error)
	Guild(ctx context.Context, guildID string) (*Guild, error)
	GuildChannels(ctx context.Context, guildID string) ([]*Channel, error)
	Guilds(ctx context.Context) ([]*Guild, error)
	Member(ctx context.Context, guildID, userID string) (*Member, error)

	Messages(ctx context.Context, channelID, afterID string, limit int) ([]*Message, error)
	PinnedMessages(ctx context.Context, channelID string) ([]*Message, error)

	Send(ctx context.Context, channelID string, msg *Outbound) (*Message, error)
	React(ctx context.Context, channelID, messageID string, emoji Emoji) error

	Webhooks(ctx context.Context, channelID string) ([]*Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name string) (*Webhook, error)
	EditWebhook(ctx context.Context, hook *Webhook, name, avatarURL string) error
	ExecuteWebhook(ctx context.Context, hook *Webhook, msg *Outbound) (*Message, error)

	KnowsEmoji(ctx context.Context, emoji Emoji) bool
	CanSend(ctx context.Context, channelID string) (bool, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// EventHandler receives platform events. Adapters call it from their own
// goroutines.
type EventHandler interface {
	HandleMessage(ctx context.Context, msg *Message)
	HandleReaction(ctx context.Context, evt *ReactionEvent)
}

// ConfigKey returns the identifier per-destination settings are stored
// under: the guild for guild channels, the channel itself otherwise.
func ConfigKey(ch *Channel) string {
	if ch.GuildID != "" {
		return ch.GuildID
	}
	return ch.ID
}

// messageConfigKey is ConfigKey for the channel a message was posted in.
func messageConfigKey(msg *Message) string {
	if msg.GuildID != "" {
		return msg.GuildID
	}
	return msg.ChannelID
}

// DisplayName is the channel label used in cards and replies.
func (c *Channel) DisplayName() string {
	switch c.Kind {
	case ChannelKindDM, ChannelKindGroupDM:
		if c.Name != "" {
			return c.Name
		}
		names := make([]string, 0, len(c.Recipients))
		for _, u := range c.Recipients {
			names = append(names, u.Username)
		}
		if len(names) > 0 {
			return strings.Join(names, ", ")
		}
		return "direct message"
	default:
		return "#" + c.Name
	}
}

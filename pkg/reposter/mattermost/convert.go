// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
)

// postTypeCalls is the post type the Calls plugin uses for call notices.
const postTypeCalls = "custom_calls"

var channelMentionRe = regexp.MustCompile(`(?:^|\s)~([a-z0-9][a-z0-9_-]*)`)

// emojiMap maps Mattermost emoji names to Unicode for the common reactions.
var emojiMap = map[string]string{
	"+1":               "\U0001f44d",
	"-1":               "\U0001f44e",
	"heart":            "\u2764\ufe0f",
	"smile":            "\U0001f604",
	"laughing":         "\U0001f606",
	"thumbsup":         "\U0001f44d",
	"thumbsdown":       "\U0001f44e",
	"wave":             "\U0001f44b",
	"clap":             "\U0001f44f",
	"fire":             "\U0001f525",
	"100":              "\U0001f4af",
	"tada":             "\U0001f389",
	"eyes":             "\U0001f440",
	"thinking":         "\U0001f914",
	"white_check_mark": "\u2705",
	"x":                "\u274c",
	"warning":          "\u26a0\ufe0f",
	"rocket":           "\U0001f680",
	"star":             "\u2b50",
	"pray":             "\U0001f64f",
}

var reverseEmojiMap = map[string]string{
	"\U0001f44d":   "+1",
	"\U0001f44e":   "-1",
	"\u2764\ufe0f": "heart",
	"\U0001f604":   "smile",
	"\U0001f606":   "laughing",
	"\U0001f44b":   "wave",
	"\U0001f44f":   "clap",
	"\U0001f525":   "fire",
	"\U0001f4af":   "100",
	"\U0001f389":   "tada",
	"\U0001f440":   "eyes",
	"\U0001f914":   "thinking",
	"\u2705":       "white_check_mark",
	"\u274c":       "x",
	"\u26a0\ufe0f": "warning",
	"\U0001f680":   "rocket",
	"\u2b50":       "star",
	"\U0001f64f":   "pray",
}

// convertEmoji turns a Mattermost emoji name into an Emoji. Names with a
// known Unicode form become Unicode emoji; everything else keeps the name as
// its ID.
func convertEmoji(name string) reposter.Emoji {
	if uni, ok := emojiMap[name]; ok {
		return reposter.Emoji{Name: uni}
	}
	return reposter.Emoji{ID: name, Name: name}
}

// emojiName is the inverse of convertEmoji.
func emojiName(e reposter.Emoji) string {
	if !e.Unicode() {
		return e.Name
	}
	if name, ok := reverseEmojiMap[e.Name]; ok {
		return name
	}
	return strings.Trim(e.Name, ":")
}

func convertUser(u *model.User) *reposter.User {
	if u == nil {
		return nil
	}
	return &reposter.User{
		ID:       u.Id,
		Username: u.Username,
		Bot:      u.IsBot,
	}
}

func channelKind(t model.ChannelType) reposter.ChannelKind {
	switch t {
	case model.ChannelTypeOpen, model.ChannelTypePrivate:
		return reposter.ChannelKindText
	case model.ChannelTypeDirect:
		return reposter.ChannelKindDM
	case model.ChannelTypeGroup:
		return reposter.ChannelKindGroupDM
	default:
		return reposter.ChannelKindOther
	}
}

func convertChannel(ch *model.Channel) *reposter.Channel {
	out := &reposter.Channel{
		ID:      ch.Id,
		GuildID: ch.TeamId,
		Name:    ch.Name,
		Topic:   ch.Purpose,
		Kind:    channelKind(ch.Type),
	}
	switch out.Kind {
	case reposter.ChannelKindDM:
		// DM names are "<user>__<user>"; recipients label them instead.
		out.Name = ""
		out.GuildID = ""
	case reposter.ChannelKindGroupDM:
		out.Name = ch.DisplayName
		out.GuildID = ""
	}
	return out
}

func messageKind(t string) reposter.MessageKind {
	switch t {
	case model.PostTypeDefault, model.PostTypeSlackAttachment:
		return reposter.MessageDefault
	case model.PostTypeAddToChannel:
		return reposter.MessageRecipientAdd
	case model.PostTypeRemoveFromChannel, model.PostTypeLeaveChannel:
		return reposter.MessageRecipientRemove
	case postTypeCalls:
		return reposter.MessageCall
	case model.PostTypeDisplaynameChange:
		return reposter.MessageChannelNameChange
	case model.PostTypeJoinChannel, model.PostTypeJoinTeam:
		return reposter.MessageMemberJoin
	default:
		return reposter.MessageUnsupported
	}
}

func parseColor(s string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

func convertAttachment(a *model.SlackAttachment) *reposter.Embed {
	out := &reposter.Embed{
		Rich:          true,
		Title:         a.Title,
		URL:           a.TitleLink,
		Description:   a.Text,
		Color:         parseColor(a.Color),
		AuthorName:    a.AuthorName,
		AuthorURL:     a.AuthorLink,
		AuthorIconURL: a.AuthorIcon,
		FooterText:    a.Footer,
		FooterIconURL: a.FooterIcon,
		ImageURL:      a.ImageURL,
		ThumbnailURL:  a.ThumbURL,
	}
	for _, f := range a.Fields {
		out.Fields = append(out.Fields, reposter.EmbedField{
			Name:   f.Title,
			Value:  fmt.Sprint(f.Value),
			Inline: bool(f.Short),
		})
	}
	return out
}

func buildAttachment(e *reposter.Embed) *model.SlackAttachment {
	out := &model.SlackAttachment{
		Fallback:   e.Title,
		Title:      e.Title,
		TitleLink:  e.URL,
		Text:       e.Description,
		AuthorName: e.AuthorName,
		AuthorLink: e.AuthorURL,
		AuthorIcon: e.AuthorIconURL,
		Footer:     e.FooterText,
		FooterIcon: e.FooterIconURL,
		ImageURL:   e.ImageURL,
		ThumbURL:   e.ThumbnailURL,
	}
	if e.Color != 0 {
		out.Color = fmt.Sprintf("#%06x", e.Color)
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &model.SlackAttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: model.SlackCompatibleBool(f.Inline),
		})
	}
	return out
}

// countReactions aggregates the per-user reactions Mattermost returns,
// keeping first-seen order.
func countReactions(reactions []*model.Reaction) []*reposter.MessageReaction {
	var out []*reposter.MessageReaction
	index := make(map[string]*reposter.MessageReaction)
	for _, r := range reactions {
		if agg, ok := index[r.EmojiName]; ok {
			agg.Count++
			continue
		}
		agg := &reposter.MessageReaction{Emoji: convertEmoji(r.EmojiName), Count: 1}
		index[r.EmojiName] = agg
		out = append(out, agg)
	}
	return out
}

// convertPost converts the parts of a post that need no API lookups. The
// author, guild and channel mentions are filled in by the client.
func (c *Client) convertPost(post *model.Post) *reposter.Message {
	out := &reposter.Message{
		ID:        post.Id,
		ChannelID: post.ChannelId,
		Kind:      messageKind(post.Type),
		Content:   post.Message,
	}
	if hookID, ok := post.GetProp("webhook_id").(string); ok {
		out.WebhookID = hookID
	}
	for _, a := range post.Attachments() {
		out.Embeds = append(out.Embeds, convertAttachment(a))
	}
	if post.Metadata != nil {
		for _, f := range post.Metadata.Files {
			out.Attachments = append(out.Attachments, &reposter.Attachment{
				ID:          f.Id,
				Filename:    f.Name,
				URL:         c.fileURL(f.Id),
				ContentType: f.MimeType,
				Size:        int(f.Size),
			})
		}
		out.Reactions = countReactions(post.Metadata.Reactions)
	}
	return out
}

// channelMentions returns the names referenced with ~name in text.
func channelMentions(text string) []string {
	var names []string
	for _, match := range channelMentionRe.FindAllStringSubmatch(text, -1) {
		names = append(names, match[1])
	}
	return names
}

// sortNewestFirst orders posts by creation time, newest first. Ties keep ID
// order so the result is stable across pages.
func sortNewestFirst(posts []*model.Post) {
	slices.SortFunc(posts, func(a, b *model.Post) int {
		if c := cmp.Compare(b.CreateAt, a.CreateAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Id, a.Id)
	})
}

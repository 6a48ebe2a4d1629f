// Copyright 2024-2026 Aiku AI

package discord

import (
	"cmp"
	"regexp"
	"slices"

	"github.com/bwmarrin/discordgo"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter"
)

var channelMentionRe = regexp.MustCompile(`<#(\d+)>`)

func convertUser(u *discordgo.User) *reposter.User {
	if u == nil {
		return nil
	}
	return &reposter.User{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		AvatarURL:     u.AvatarURL(""),
		Bot:           u.Bot,
	}
}

func channelKind(t discordgo.ChannelType) reposter.ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews:
		return reposter.ChannelKindText
	case discordgo.ChannelTypeDM:
		return reposter.ChannelKindDM
	case discordgo.ChannelTypeGroupDM:
		return reposter.ChannelKindGroupDM
	default:
		return reposter.ChannelKindOther
	}
}

func convertChannel(ch *discordgo.Channel) *reposter.Channel {
	out := &reposter.Channel{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Name:    ch.Name,
		Topic:   ch.Topic,
		Kind:    channelKind(ch.Type),
	}
	for _, u := range ch.Recipients {
		out.Recipients = append(out.Recipients, convertUser(u))
	}
	return out
}

func messageKind(t discordgo.MessageType) reposter.MessageKind {
	switch t {
	case discordgo.MessageTypeDefault, discordgo.MessageTypeReply:
		return reposter.MessageDefault
	case discordgo.MessageTypeRecipientAdd:
		return reposter.MessageRecipientAdd
	case discordgo.MessageTypeRecipientRemove:
		return reposter.MessageRecipientRemove
	case discordgo.MessageTypeCall:
		return reposter.MessageCall
	case discordgo.MessageTypeChannelNameChange:
		return reposter.MessageChannelNameChange
	case discordgo.MessageTypeChannelIconChange:
		return reposter.MessageChannelIconChange
	case discordgo.MessageTypeChannelPinnedMessage:
		return reposter.MessagePinNotice
	case discordgo.MessageTypeGuildMemberJoin:
		return reposter.MessageMemberJoin
	default:
		return reposter.MessageUnsupported
	}
}

func convertEmbed(e *discordgo.MessageEmbed) *reposter.Embed {
	out := &reposter.Embed{
		Rich:        e.Type == discordgo.EmbedTypeRich || e.Type == "",
		Title:       e.Title,
		URL:         e.URL,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.Author != nil {
		out.AuthorName = e.Author.Name
		out.AuthorURL = e.Author.URL
		out.AuthorIconURL = e.Author.IconURL
	}
	if e.Footer != nil {
		out.FooterText = e.Footer.Text
		out.FooterIconURL = e.Footer.IconURL
	}
	if e.Image != nil {
		out.ImageURL = e.Image.URL
	}
	if e.Thumbnail != nil {
		out.ThumbnailURL = e.Thumbnail.URL
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, reposter.EmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

func buildEmbed(e *reposter.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       e.Title,
		URL:         e.URL,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.AuthorName != "" {
		out.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, URL: e.AuthorURL, IconURL: e.AuthorIconURL}
	}
	if e.FooterText != "" {
		out.Footer = &discordgo.MessageEmbedFooter{Text: e.FooterText, IconURL: e.FooterIconURL}
	}
	if e.ImageURL != "" {
		out.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	if e.ThumbnailURL != "" {
		out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	return out
}

func convertEmoji(e *discordgo.Emoji) reposter.Emoji {
	if e == nil {
		return reposter.Emoji{}
	}
	return reposter.Emoji{ID: e.ID, Name: e.Name, Animated: e.Animated}
}

func convertMessage(m *discordgo.Message) *reposter.Message {
	out := &reposter.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		WebhookID: m.WebhookID,
		Kind:      messageKind(m.Type),
		Author:    convertUser(m.Author),
		Content:   m.Content,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, &reposter.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	for _, e := range m.Embeds {
		out.Embeds = append(out.Embeds, convertEmbed(e))
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, &reposter.MessageReaction{Emoji: convertEmoji(r.Emoji), Count: r.Count})
	}
	for _, match := range channelMentionRe.FindAllStringSubmatch(m.Content, -1) {
		out.MentionedChannels = append(out.MentionedChannels, match[1])
	}
	return out
}

// compareSnowflakes orders Discord IDs numerically without parsing them.
func compareSnowflakes(a, b string) int {
	if c := cmp.Compare(len(a), len(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

// convertHistory converts a page and sorts it newest first.
func convertHistory(page []*discordgo.Message) []*reposter.Message {
	out := make([]*reposter.Message, 0, len(page))
	for _, m := range page {
		out = append(out, convertMessage(m))
	}
	slices.SortFunc(out, func(a, b *reposter.Message) int {
		return compareSnowflakes(b.ID, a.ID)
	})
	return out
}

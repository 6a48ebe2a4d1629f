// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"strconv"
)

const infoColor = 0x7289DA

func systemSuffix(kind MessageKind) string {
	switch kind {
	case MessageRecipientAdd:
		return "added someone to the group."
	case MessageRecipientRemove:
		return "removed someone from the group."
	case MessageCall:
		return "started a call."
	case MessageChannelNameChange:
		return "changed the name of this channel."
	case MessageChannelIconChange:
		return "changed the icon of this channel."
	case MessagePinNotice:
		return "pinned a message to this channel."
	case MessageMemberJoin:
		return "just joined the server!"
	default:
		return ""
	}
}

// authorName is the identity shown for author in a destination configured
// under key: the username, with the tag appended when tags are on and the
// guild nickname in front when nicknames are on.
func (e *Engine) authorName(ctx context.Context, key, guildID string, author *User) string {
	name := author.Username
	if e.store.Flag(FlagTags, key) {
		name += author.Tag()
	}
	if guildID != "" && author.ID != "" && e.store.Flag(FlagNicknames, key) {
		member, err := e.platform.Member(ctx, guildID, author.ID)
		if err == nil && member.Nick != "" && member.Nick != author.Username {
			name = member.Nick + " (" + name + ")"
		}
	}
	return name
}

// infoCard describes src at the top of a repost.
func (e *Engine) infoCard(ctx context.Context, src *Channel) *Embed {
	card := &Embed{
		Rich:  true,
		Color: infoColor,
		Title: "Reposting from " + src.DisplayName(),
	}
	switch src.Kind {
	case ChannelKindDM, ChannelKindGroupDM:
		for _, u := range src.Recipients {
			if card.ThumbnailURL == "" {
				card.ThumbnailURL = u.AvatarURL
			}
			card.Fields = append(card.Fields, EmbedField{
				Name:   "Recipient",
				Value:  u.Username + u.Tag(),
				Inline: true,
			})
		}
		return card
	}

	card.Description = src.Topic
	if src.GuildID == "" {
		return card
	}
	guild, err := e.platform.Guild(ctx, src.GuildID)
	if err != nil {
		e.log.Debug().Err(err).Str("guild_id", src.GuildID).Msg("Failed to fetch guild for info card")
		return card
	}
	card.AuthorName = guild.Name
	card.Fields = append(card.Fields, EmbedField{
		Name:   "Members",
		Value:  strconv.Itoa(guild.MemberCount),
		Inline: true,
	})
	if channels, err := e.platform.GuildChannels(ctx, src.GuildID); err == nil {
		card.Fields = append(card.Fields, EmbedField{
			Name:   "Channels",
			Value:  strconv.Itoa(len(channels)),
			Inline: true,
		})
	}
	return card
}

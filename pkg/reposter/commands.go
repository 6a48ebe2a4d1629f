// Copyright 2024-2026 Aiku AI

package reposter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jtegtmeier/Discord-Reposter/pkg/reposter/markup"
)

const commandWord = "repost"

// Command is a parsed chat command.
type Command struct {
	// Word is the invoked command word, lowercased, for example "reposthook".
	Word string
	// Args are the remaining whitespace-separated tokens.
	Args []string
	Hook bool
	Live bool
}

// Sub returns the lowercased first argument.
func (c *Command) Sub() string {
	if len(c.Args) == 0 {
		return ""
	}
	return strings.ToLower(c.Args[0])
}

// ParseCommand parses text as a command if it starts with prefix followed by
// the repost keyword. Modifiers are recognised anywhere in the command word
// after the keyword, so "repostlivehook" and "repostwebhook" both work.
func ParseCommand(text, prefix string) (*Command, bool) {
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return nil, false
	}
	fields := strings.Fields(text[len(prefix):])
	if len(fields) == 0 {
		return nil, false
	}
	word := strings.ToLower(fields[0])
	if !strings.HasPrefix(word, commandWord) {
		return nil, false
	}
	modifiers := word[len(commandWord):]
	return &Command{
		Word: word,
		Args: fields[1:],
		Hook: strings.Contains(modifiers, "hook"),
		Live: strings.Contains(modifiers, "live"),
	}, true
}

var (
	truthyWords = []string{"on", "true", "yes", "y", "enable", "enabled", "1", "start"}
	falsyWords  = []string{"off", "false", "no", "n", "disable", "disabled", "0"}
	stopWords   = []string{"stop", "halt", "cease", "terminate", "suspend", "cancel", "die", "end"}
)

// parseState matches word against the truthy and falsy lists. ok is false
// when the word is in neither.
func parseState(word string) (value, ok bool) {
	word = strings.ToLower(word)
	switch {
	case slices.Contains(truthyWords, word):
		return true, true
	case slices.Contains(falsyWords, word):
		return false, true
	default:
		return false, false
	}
}

var flagLabels = map[Flag]string{
	FlagTags:      "Tags",
	FlagNicknames: "Nicknames",
	FlagPins:      "Pin reposting",
}

func (b *Bot) dispatch(ctx context.Context, msg *Message, cmd *Command) {
	log := b.log.With().
		Str("command", cmd.Word).
		Str("sub", cmd.Sub()).
		Str("channel_id", msg.ChannelID).
		Str("user_id", msg.Author.ID).
		Logger()
	ctx = log.WithContext(ctx)
	log.Debug().Msg("Handling command")

	key := messageConfigKey(msg)
	switch sub := cmd.Sub(); {
	case sub == "help" || sub == "commands":
		b.sendHelp(ctx, msg.ChannelID, b.store.Prefix(key, b.cfg.DefaultPrefix))
	case sub == "replacements":
		b.listReplacements(ctx, msg, key)
	case sub == "replace":
		b.replace(ctx, msg, key, cmd.Args[1:])
	case sub == "prefix":
		b.prefix(ctx, msg, key, cmd.Args[1:])
	case sub == string(FlagTags) || sub == string(FlagNicknames) || sub == string(FlagPins):
		b.toggle(ctx, msg, key, Flag(sub), cmd.Args[1:])
	case slices.Contains(stopWords, sub):
		if err := b.store.Stop(msg.ChannelID); err != nil {
			b.reply(ctx, msg.ChannelID, "Failed to save settings.")
			return
		}
		log.Info().Msg("Stopped reposting")
		b.reply(ctx, msg.ChannelID, "Stopped reposting in this channel.")
	default:
		b.repost(ctx, msg, cmd)
	}
}

func (b *Bot) repost(ctx context.Context, msg *Message, cmd *Command) {
	req := Request{
		Requester: msg.Author.ID,
		Trigger:   msg,
		Direction: DirectionTo,
		Hook:      cmd.Hook,
		Live:      cmd.Live,
	}
	args := cmd.Args
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "from":
			req.Direction = DirectionFrom
			args = args[1:]
		case "to":
			args = args[1:]
		}
	}
	if len(args) > 0 {
		req.Target = args[0]
	}
	if req.Target == "" && len(msg.MentionedChannels) == 0 {
		b.reply(ctx, msg.ChannelID, fmt.Sprintf(
			"Tell me where to repost, for example %s.",
			markup.Code(b.store.Prefix(messageConfigKey(msg), b.cfg.DefaultPrefix)+"repost to #general"),
		))
		return
	}
	origin, err := b.platform.Channel(ctx, msg.ChannelID)
	if err != nil {
		b.log.Warn().Err(err).Str("channel_id", msg.ChannelID).Msg("Failed to fetch origin channel")
		b.reply(ctx, msg.ChannelID, "Failed to look up this channel.")
		return
	}
	req.Origin = origin
	if err := b.resolver.Run(ctx, req); err != nil {
		b.log.Debug().Err(err).Str("target", req.Target).Msg("Repost request failed")
	}
}

func (b *Bot) sendHelp(ctx context.Context, channelID, prefix string) {
	cmd := func(s string) string { return markup.Code(prefix + s) }
	b.send(ctx, channelID, &Outbound{Embed: &Embed{
		Rich:        true,
		Color:       infoColor,
		Title:       "Reposter commands",
		Description: "Targets can be a channel ID, a server ID, a channel mention or a channel name.",
		Fields: []EmbedField{
			{Name: cmd("repost [to] <target>"), Value: "Repost this channel into the target."},
			{Name: cmd("repost from <target>"), Value: "Repost the target into this channel."},
			{Name: cmd("reposthook ..."), Value: "Repost through a webhook that shows each author's name and avatar."},
			{Name: cmd("repostlive ..."), Value: "Keep forwarding new messages. Combine as " + cmd("repostlivehook") + "."},
			{Name: cmd("repost stop"), Value: "Stop reposts and live forwards involving this channel."},
			{Name: cmd("repost replace <find> [replace]"), Value: "Rewrite text matching find, or show the current rule."},
			{Name: cmd("repost replacements"), Value: "List replacements. React with " + EmojiDelete.Name + " to remove one."},
			{Name: cmd("repost prefix [prefix]"), Value: "Show or change the command prefix."},
			{Name: cmd("repost tags|nicknames|pins [on|off]"), Value: "Toggle author tags, nicknames or pin reposting."},
		},
	}})
}

func (b *Bot) listReplacements(ctx context.Context, msg *Message, key string) {
	table := b.store.Replacements(key)
	if len(table) == 0 {
		b.reply(ctx, msg.ChannelID, "There are no replacements.")
		return
	}
	for _, rule := range table {
		sent := b.send(ctx, msg.ChannelID, &Outbound{Embed: &Embed{
			Rich:  true,
			Color: infoColor,
			Title: "Replacement",
			Fields: []EmbedField{
				{Name: "Find", Value: markup.Code(rule.Find), Inline: true},
				{Name: "Replace", Value: markup.Code(rule.Replace), Inline: true},
			},
			FooterText: "React with " + EmojiDelete.Name + " to remove",
		}})
		if sent == nil {
			continue
		}
		find := rule.Find
		b.pending.Add(sent.ID, msg.Author.ID, EmojiDelete, func(ctx context.Context) {
			removed, err := b.store.DeleteReplacement(key, find)
			switch {
			case err != nil:
				b.reply(ctx, msg.ChannelID, "Failed to save settings.")
			case removed:
				b.reply(ctx, msg.ChannelID, "Removed the replacement for "+markup.Code(find)+".")
			default:
				b.reply(ctx, msg.ChannelID, "That replacement no longer exists.")
			}
		})
		if err := b.platform.React(ctx, msg.ChannelID, sent.ID, EmojiDelete); err != nil {
			b.log.Debug().Err(err).Str("message_id", sent.ID).Msg("Failed to add delete reaction")
		}
	}
}

func (b *Bot) replace(ctx context.Context, msg *Message, key string, args []string) {
	if len(args) == 0 {
		b.reply(ctx, msg.ChannelID, "Usage: "+markup.Code("repost replace <find> [replace]"))
		return
	}
	find := args[0]
	if len(args) == 1 {
		if replace, ok := b.store.Replacements(key).Lookup(find); ok {
			b.reply(ctx, msg.ChannelID, markup.Code(find)+" is replaced with "+markup.Code(replace)+".")
		} else {
			b.reply(ctx, msg.ChannelID, "There is no replacement for "+markup.Code(find)+".")
		}
		return
	}
	replace := strings.Join(args[1:], " ")
	if err := b.store.SetReplacement(key, find, replace); err != nil {
		b.reply(ctx, msg.ChannelID, "Failed to save settings.")
		return
	}
	b.reply(ctx, msg.ChannelID, markup.Code(find)+" will be replaced with "+markup.Code(replace)+".")
}

func (b *Bot) prefix(ctx context.Context, msg *Message, key string, args []string) {
	if len(args) == 0 {
		b.reply(ctx, msg.ChannelID, "The prefix is "+markup.Code(b.store.Prefix(key, b.cfg.DefaultPrefix))+".")
		return
	}
	if err := b.store.SetPrefix(key, args[0]); err != nil {
		b.reply(ctx, msg.ChannelID, "Failed to save settings.")
		return
	}
	b.reply(ctx, msg.ChannelID, "Prefix set to "+markup.Code(args[0])+".")
}

func (b *Bot) toggle(ctx context.Context, msg *Message, key string, flag Flag, args []string) {
	var value, explicit bool
	if len(args) > 0 {
		value, explicit = parseState(args[0])
	}
	value, err := b.store.ToggleFlag(flag, key, value, explicit)
	if err != nil {
		b.reply(ctx, msg.ChannelID, "Failed to save settings.")
		return
	}
	state := "disabled"
	if value {
		state = "enabled"
	}
	b.reply(ctx, msg.ChannelID, fmt.Sprintf("%s %s.", flagLabels[flag], state))
}

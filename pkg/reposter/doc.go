// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package reposter copies the message history of one chat channel into
// another and keeps forwarding new messages when asked to.
//
// The package is platform neutral. Adapters in the discord and mattermost
// sub-packages implement [Platform] and deliver events to an [EventHandler],
// normally a [Bot].
//
// # Core Types
//
// [Bot] parses chat commands and routes them. Repost requests go through the
// [Resolver], which turns a channel ID, server ID, mention or name into
// channels, and then to the [Engine], which walks history oldest first and
// reposts each message. [Store] holds the per-destination settings and
// persists them through a [Storage] after every change.
//
// # Echo Prevention
//
// Messages authored by the bot, and messages posted through a webhook the
// engine itself uses, are never handled. Live rules never forward a message
// into the channel it was posted in.
//
// # Sub-packages
//
//   - markup escapes and formats text for chat markdown.
//   - discord adapts discordgo to [Platform].
//   - mattermost adapts the Mattermost REST and WebSocket API to [Platform].
package reposter

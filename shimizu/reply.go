package shimizu

import (
	"math/rand/v2"
	"strings"
)

// replyReason describes which condition caused shouldReply to return true
type replyReason string

const (
	replyReasonNone      replyReason = "none"
	replyReasonMention   replyReason = "mention"
	replyReasonWhitelist replyReason = "whitelist"
	replyReasonChance    replyReason = "chance"
)

// BotIdentity is the bot's own Discord user, as reported by the
// gateway READY event.
type BotIdentity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// InboundMessage is the subset of a Discord message that the reply
// policy and prompt assembly need.
type InboundMessage struct {
	ID        string `json:"id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

// shouldReply decides whether the bot must respond to msg.
//
// The decision is the short-circuit OR of:
//  1. a mention: the content contains the bot's username (case-insensitive)
//     or the bot's ID
//  2. the channel being whitelisted
//  3. rng() < chance, unless the channel is blacklisted
//
// The blacklist only suppresses the random path. A channel on both lists
// always gets a reply. If rng is nil, math/rand/v2 is used.
func shouldReply(
	msg InboundMessage,
	bot BotIdentity,
	chance float64,
	whitelist ChannelSet,
	blacklist ChannelSet,
	rng func() float64,
) (bool, replyReason) {
	if mentionsBot(msg.Content, bot) {
		return true, replyReasonMention
	}
	if whitelist.Contains(msg.ChannelID) {
		return true, replyReasonWhitelist
	}
	if rng == nil {
		rng = rand.Float64
	}
	if rng() < chance && !blacklist.Contains(msg.ChannelID) {
		return true, replyReasonChance
	}
	return false, replyReasonNone
}

func mentionsBot(content string, bot BotIdentity) bool {
	if bot.Username != "" && strings.Contains(
		strings.ToLower(content),
		strings.ToLower(bot.Username),
	) {
		return true
	}
	return bot.ID != "" && strings.Contains(content, bot.ID)
}

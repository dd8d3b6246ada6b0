// Package shimizu implements a Discord chat bot that forwards channel
// messages to a text-completion API and replies with the generated text.
//
// Shimizu decides whether to respond to each message using a per-guild
// policy (mentions, a channel whitelist, and a random chance that the
// channel blacklist can suppress), builds a prompt from the bot persona
// and the recent channel conversation, and posts the cleaned completion
// as a reply.
//
// Key components of the package include:
//
//   - Shimizu: The main struct that owns the bot's lifecycle.
//   - Discord: Handles the Discord gateway session and slash commands.
//   - OpenAI: Performs text completions, with a bounded prompt cache.
//   - GuildConfigStore: Per-guild settings (chance to respond, completion
//     mode, raw mode, channel lists, persona).
//   - ConversationStore: Per-channel message history used for prompts.
//   - API: A backend HTTP API for bot management.
//
// The bot supports these slash commands:
//
//   - /help, /ping, /status
//   - /setchance, /shutup, /reset
//   - /togglecompletion, /togglerawmode
//   - /whitelist, /blacklist
//   - /setpremise, /forget
//
// Guild settings and conversations are stored with GORM, in either
// SQLite or PostgreSQL. When running on PostgreSQL, multiple bot
// instances coordinate cache invalidation via LISTEN/NOTIFY.
package shimizu

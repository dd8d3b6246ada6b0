package shimizu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidChance = errors.New("chance must be between 0 and 100")

	errPremiseRequired = errors.New("premise required")
)

// ConversationMessage is a single message in a channel's conversation,
// either from a user or from the bot itself.
//
// Fields:
//   - ChannelID: The Discord channel the message was sent in. Messages
//     sharing a channel ID form that channel's conversation.
//   - GuildID: The guild the channel belongs to.
//   - MessageID: The Discord message ID, if known.
//   - AuthorID: The Discord user ID of the author.
//   - Author: The author's name, as used in prompts.
//   - Content: The message text.
//   - Timestamp: When the message was sent, in Unix milliseconds.
type ConversationMessage struct {
	ModelUintID
	ChannelID string `gorm:"index:idx_conversation_channel_ts,priority:1;not null" json:"channel_id"`
	GuildID   string `gorm:"index" json:"guild_id"`
	MessageID string `json:"message_id"`
	AuthorID  string `json:"author_id"`
	Author    string `gorm:"not null" json:"author"`
	Content   string `gorm:"not null" json:"content"`
	Timestamp int64  `gorm:"index:idx_conversation_channel_ts,priority:2;not null" json:"timestamp"`
}

func (ConversationMessage) TableName() string {
	return "conversation_message"
}

// ConversationStore persists per-channel message history.
type ConversationStore struct {
	db     DBI
	logger *slog.Logger
}

func NewConversationStore(db DBI, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		db:     db,
		logger: logger.With(loggerNameKey, "conversation_store"),
	}
}

// Append adds a message to its channel's conversation. A zero Timestamp
// is set to the current time.
func (c *ConversationStore) Append(ctx context.Context, msg *ConversationMessage) error {
	if msg.ChannelID == "" {
		return errors.New("channel ID required")
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UTC().UnixMilli()
	}
	if _, err := c.db.Create(ctx, msg); err != nil {
		return fmt.Errorf("error saving message: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent messages for the
// channel, oldest first.
func (c *ConversationStore) History(
	ctx context.Context,
	channelID string,
	limit int,
) ([]ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	var msgs []ConversationMessage
	err := c.db.DB().WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("timestamp desc, id desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("error getting history: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Clear deletes the channel's conversation, returning the number of
// messages removed.
func (c *ConversationStore) Clear(ctx context.Context, channelID string) (int64, error) {
	n, err := c.db.Delete(ctx, &ConversationMessage{}, "channel_id = ?", channelID)
	if err != nil {
		return n, fmt.Errorf("error clearing conversation: %w", err)
	}
	c.logger.InfoContext(ctx, "cleared conversation", "channel_id", channelID, "deleted", n)
	return n, nil
}

// Count returns the number of stored messages for the channel
func (c *ConversationStore) Count(ctx context.Context, channelID string) (int64, error) {
	var n int64
	err := c.db.DB().WithContext(ctx).
		Model(&ConversationMessage{}).
		Where("channel_id = ?", channelID).
		Count(&n).Error
	return n, err
}

// GuildConfigStore reads and writes GuildConfig records, holding
// recently used configs in a bounded cache.
//
// Reads that fail fall back to the default config, so a database error
// never prevents the bot from replying. Writes evict the cache entry and
// announce the change through the notifier so other instances do the same.
type GuildConfigStore struct {
	db       DBI
	cache    *boundedCache[string, GuildConfig]
	defaults GuildDefaultsConfig
	persona  Persona
	logger   *slog.Logger

	// notifier is optional, and set once Run creates it
	notifier DBNotifier
}

func NewGuildConfigStore(
	db DBI,
	cacheSize int,
	defaults GuildDefaultsConfig,
	persona Persona,
	logger *slog.Logger,
) *GuildConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuildConfigStore{
		db:       db,
		cache:    newBoundedCache[string, GuildConfig](cacheSize),
		defaults: defaults,
		persona:  persona,
		logger:   logger.With(loggerNameKey, "guild_store"),
	}
}

// Default returns the config used for a guild without a stored record
func (g *GuildConfigStore) Default(guildID string) GuildConfig {
	return *newGuildConfig(guildID, g.defaults, g.persona)
}

// Get returns the guild's config. If the guild has no stored config, or
// it can't be read, the default config is returned along with the error.
func (g *GuildConfigStore) Get(ctx context.Context, guildID string) (GuildConfig, error) {
	if cfg, ok := g.cache.Get(guildID); ok {
		return cfg, nil
	}
	cfg, err := g.load(ctx, guildID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			g.logger.ErrorContext(ctx, "error loading guild config", "guild_id", guildID, tint.Err(err))
		}
		return g.Default(guildID), err
	}
	g.cache.Put(guildID, cfg)
	return cfg, nil
}

func (g *GuildConfigStore) load(ctx context.Context, guildID string) (GuildConfig, error) {
	var cfg GuildConfig
	err := g.db.DB().WithContext(ctx).Where("guild_id = ?", guildID).Take(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return cfg, ErrNotFound
		}
		return cfg, err
	}
	cfg.ChanceToRespond = clampChance(cfg.ChanceToRespond)
	cfg.Persona = cfg.Persona.withDefaults(g.persona)
	return cfg, nil
}

// List returns all stored guild configs
func (g *GuildConfigStore) List(ctx context.Context) ([]GuildConfig, error) {
	var cfgs []GuildConfig
	err := g.db.DB().WithContext(ctx).Order("guild_id").Find(&cfgs).Error
	return cfgs, err
}

// Ensure creates a default config for the guild if one doesn't exist,
// and records the guild's current name.
func (g *GuildConfigStore) Ensure(ctx context.Context, guildID string, name string) (GuildConfig, error) {
	cfg := newGuildConfig(guildID, g.defaults, g.persona)
	cfg.GuildName = name
	err := g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(cfg).Error; err != nil {
				return err
			}
			if name == "" {
				return nil
			}
			return tx.Model(&GuildConfig{}).
				Where("guild_id = ? AND guild_name <> ?", guildID, name).
				Update("guild_name", name).Error
		},
	)
	if err != nil {
		g.logger.ErrorContext(ctx, "error creating guild config", "guild_id", guildID, tint.Err(err))
		return g.Default(guildID), fmt.Errorf("error creating guild config: %w", err)
	}
	g.Invalidate(guildID)
	return g.Get(ctx, guildID)
}

// modify loads the guild's config (creating it if needed), applies fn,
// validates and saves the result.
func (g *GuildConfigStore) modify(
	ctx context.Context,
	guildID string,
	fn func(cfg *GuildConfig) error,
) (GuildConfig, error) {
	cfg, err := g.load(ctx, guildID)
	switch {
	case errors.Is(err, ErrNotFound):
		cfg = g.Default(guildID)
	case err != nil:
		return cfg, err
	}

	if err = fn(&cfg); err != nil {
		return cfg, err
	}
	cfg.ChanceToRespond = clampChance(cfg.ChanceToRespond)
	if err = structValidator.Struct(cfg); err != nil {
		return cfg, err
	}
	if _, err = g.db.Save(ctx, &cfg); err != nil {
		return cfg, fmt.Errorf("error saving guild config: %w", err)
	}

	g.Invalidate(guildID)
	if g.notifier != nil {
		g.notifier.GuildConfigUpdated(ctx, guildID)
	}
	g.logger.InfoContext(ctx, "updated guild config", "guild_id", guildID)
	return cfg, nil
}

// Invalidate evicts the guild from the cache
func (g *GuildConfigStore) Invalidate(guildID string) {
	g.cache.Delete(guildID)
}

// Update saves a partial update, as received via the API
func (g *GuildConfigStore) Update(
	ctx context.Context,
	guildID string,
	update GuildConfigUpdate,
) (GuildConfig, error) {
	if err := structValidator.Struct(update); err != nil {
		return GuildConfig{}, err
	}
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			update.apply(cfg)
			return nil
		},
	)
}

// SetChance sets the chance to respond from a whole percentage, 0-100
func (g *GuildConfigStore) SetChance(ctx context.Context, guildID string, percent int) (GuildConfig, error) {
	if percent < 0 || percent > 100 {
		return GuildConfig{}, ErrInvalidChance
	}
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.ChanceToRespond = chanceFromPercent(percent)
			return nil
		},
	)
}

// Shutup sets the chance to respond to zero
func (g *GuildConfigStore) Shutup(ctx context.Context, guildID string) (GuildConfig, error) {
	return g.SetChance(ctx, guildID, 0)
}

// ToggleCompletion flips completion mode
func (g *GuildConfigStore) ToggleCompletion(ctx context.Context, guildID string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.CompletionMode = !cfg.CompletionMode
			return nil
		},
	)
}

// ToggleRaw flips raw mode
func (g *GuildConfigStore) ToggleRaw(ctx context.Context, guildID string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.RawMode = !cfg.RawMode
			return nil
		},
	)
}

// Reset restores the default chance to respond, and completion and
// raw modes. Channel lists and persona are kept.
func (g *GuildConfigStore) Reset(ctx context.Context, guildID string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.ChanceToRespond = clampChance(g.defaults.ChanceToRespond)
			cfg.CompletionMode = g.defaults.CompletionMode
			cfg.RawMode = g.defaults.RawMode
			return nil
		},
	)
}

func (g *GuildConfigStore) AddWhitelist(ctx context.Context, guildID, channelID string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.Whitelist = cfg.Whitelist.Add(channelID)
			return nil
		},
	)
}

func (g *GuildConfigStore) RemoveWhitelist(ctx context.Context, guildID, channelID string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.Whitelist = cfg.Whitelist.Remove(channelID)
			return nil
		},
	)
}

func (g *GuildConfigStore) AddBlacklist(ctx context.Context, guildID, channelID string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.Blacklist = cfg.Blacklist.Add(channelID)
			return nil
		},
	)
}

func (g *GuildConfigStore) RemoveBlacklist(ctx context.Context, guildID, channelID string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			cfg.Blacklist = cfg.Blacklist.Remove(channelID)
			return nil
		},
	)
}

// SetPremise sets the persona premise used for the guild
func (g *GuildConfigStore) SetPremise(ctx context.Context, guildID, premise string) (GuildConfig, error) {
	return g.modify(
		ctx, guildID, func(cfg *GuildConfig) error {
			if premise == "" {
				return errPremiseRequired
			}
			cfg.Persona.Premise = premise
			return nil
		},
	)
}

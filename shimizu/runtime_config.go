package shimizu

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

var runtimeConfigRefreshTimeout = 30 * time.Second

// RuntimeConfig stores the settings that can be changed while the bot is
// running, and persists them across restarts (e.g., being paused).
//
// There is a single row. Changes made via the API are announced with
// DBNotifier.ReloadRuntimeConfig, and otherwise picked up every
// Config.RuntimeConfigTTL.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused stops the bot from replying to messages. Conversation
	// history is still recorded.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// RecoverPanic recovers panics in message and interaction handlers
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// OpenAIMaxRequestsPerSecond is the rate limit for completion requests
	OpenAIMaxRequestsPerSecond int `gorm:"column:openai_max_requests_per_second;default:1" json:"openai_max_requests_per_second" binding:"min=1"`

	// AdminUsername for the API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`

	LogLevel          DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    DBLogLevel `gorm:"default:INFO;column:openai_log_level;type:string;check:openai_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"openai_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		RecoverPanic:               true,
		OpenAIMaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
		DiscordCustomStatus:        DefaultDiscordCustomStatus,
		LogLevel:                   DBLogLevelInfo,
		OpenAILogLevel:             DBLogLevelInfo,
		DiscordLogLevel:            DBLogLevelWarn,
		DiscordGoLogLevel:          DBLogLevelWarn,
		DatabaseLogLevel:           DBLogLevelInfo,
		APILogLevel:                DBLogLevelInfo,
	}
}

//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus        *string `json:"discord_custom_status,omitempty" binding:"omitnil,max=128"`
	OpenAIMaxRequestsPerSecond *int    `json:"openai_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=30000"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	OpenAILogLevel    *DBLogLevel `json:"openai_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (u RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(u)
}

// columns returns the non-nil fields of the update, keyed by column name
func (u RuntimeConfigUpdate) columns() map[string]any {
	values := map[string]any{}
	set := func(column string, v any, isNil bool) {
		if !isNil {
			values[column] = v
		}
	}
	set(columnRuntimeConfigPaused, deref(u.Paused), u.Paused == nil)
	set("recover_panic", deref(u.RecoverPanic), u.RecoverPanic == nil)
	set("discord_custom_status", deref(u.DiscordCustomStatus), u.DiscordCustomStatus == nil)
	set("openai_max_requests_per_second", deref(u.OpenAIMaxRequestsPerSecond), u.OpenAIMaxRequestsPerSecond == nil)
	set("log_level", deref(u.LogLevel), u.LogLevel == nil)
	set("openai_log_level", deref(u.OpenAILogLevel), u.OpenAILogLevel == nil)
	set("discord_log_level", deref(u.DiscordLogLevel), u.DiscordLogLevel == nil)
	set("discordgo_log_level", deref(u.DiscordGoLogLevel), u.DiscordGoLogLevel == nil)
	set("database_log_level", deref(u.DatabaseLogLevel), u.DatabaseLogLevel == nil)
	set("api_log_level", deref(u.APILogLevel), u.APILogLevel == nil)
	return values
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}

// RuntimeConfig returns a copy of the current runtime configuration
func (s *Shimizu) RuntimeConfig() RuntimeConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	if s.runtimeConfig == nil {
		return DefaultRuntimeConfig()
	}
	return *s.runtimeConfig
}

// UpdateRuntimeConfig validates and saves a partial update, applies it
// to the running bot, and notifies other instances.
func (s *Shimizu) UpdateRuntimeConfig(
	ctx context.Context,
	update RuntimeConfigUpdate,
) (RuntimeConfig, error) {
	if err := update.validate(); err != nil {
		return s.RuntimeConfig(), err
	}
	current := s.RuntimeConfig()
	values := update.columns()
	if len(values) == 0 {
		return current, nil
	}
	if _, err := s.writeDB.UpdatesWhere(
		ctx,
		&RuntimeConfig{},
		values,
		"id = ?",
		current.ID,
	); err != nil {
		return current, fmt.Errorf("error updating runtime config: %w", err)
	}

	s.refreshRuntimeConfig(ctx, true)
	if s.dbNotifier != nil {
		s.dbNotifier.ReloadRuntimeConfig(ctx)
	}
	return s.RuntimeConfig(), nil
}

func (s *Shimizu) startRuntimeConfigRefresher(ctx context.Context) {
	runtimeConfigTTL := s.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		s.runtimeWG.Add(1)
		go func() {
			defer s.runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case s.triggerRuntimeConfigRefreshCh <- false:
						s.logger.Debug("sent config refresh signal from ticker")
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Second):
						s.logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	s.runtimeWG.Add(1)
	go func() {
		defer s.runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case force := <-s.triggerRuntimeConfigRefreshCh:
				refreshCtx, cancel := context.WithTimeout(ctx, runtimeConfigRefreshTimeout)
				s.refreshRuntimeConfig(refreshCtx, force)
				cancel()
			}
		}
	}()
}

// refreshRuntimeConfig reloads the RuntimeConfig row. Unless force is set,
// the reload is skipped when the row hasn't changed since it was last loaded.
func (s *Shimizu) refreshRuntimeConfig(ctx context.Context, force bool) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	var latest RuntimeConfig
	if err := s.db.WithContext(ctx).Last(&latest).Error; err != nil {
		s.logger.ErrorContext(ctx, "error getting runtime config", tint.Err(err))
		return
	}

	previous := s.runtimeConfig
	if !force && previous != nil && previous.UpdatedAt == latest.UpdatedAt {
		s.logger.DebugContext(ctx, "runtime config is up to date, skipping refresh")
		return
	}

	s.runtimeConfig = &latest
	s.setRuntimeLevels(latest)

	switch {
	case latest.Paused && !s.paused.Load():
		s.paused.Store(true)
		s.discord.setPresence(ctx, latest)
	case !latest.Paused && s.paused.Load():
		s.paused.Store(false)
		s.discord.setPresence(ctx, latest)
	case previous != nil && previous.DiscordCustomStatus != latest.DiscordCustomStatus:
		s.discord.setPresence(ctx, latest)
	}
	s.logger.InfoContext(ctx, "refreshed runtime config")
}

func (s *Shimizu) setRuntimeLevels(state RuntimeConfig) {
	s.config.LogLevel.Set(state.LogLevel.Level())
	s.config.OpenAI.LogLevel.Set(state.OpenAILogLevel.Level())
	s.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	s.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	s.config.API.LogLevel.Set(state.APILogLevel.Level())
	s.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	s.openai.setRequestLimit(state.OpenAIMaxRequestsPerSecond)
}

package shimizu

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
)

const (
	DefaultChanceToRespond = 0.05
	DefaultCompletionMode  = false
	DefaultRawMode         = false
)

// GuildConfig holds the per-guild settings that control whether and how
// the bot responds to messages.
//
// Fields:
//   - GuildID: The Discord guild (server) ID.
//   - GuildName: The guild's name, as last seen.
//   - ChanceToRespond: Probability in [0,1] of replying to a message that
//     neither mentions the bot nor was sent in a whitelisted channel.
//   - CompletionMode: When set, inbound text isn't terminated with a
//     period, so the model continues the user's text instead of
//     answering it.
//   - RawMode: When set, the inbound text is sent as the prompt without
//     persona, history or normalization, and the completion is returned
//     without cleanup.
//   - Whitelist: Channels where every message gets a reply.
//   - Blacklist: Channels where random replies are suppressed.
//   - Persona: The persona used to build prompts in this guild.
type GuildConfig struct {
	GuildID         string     `gorm:"primaryKey" json:"guild_id"`
	GuildName       string     `json:"guild_name"`
	ChanceToRespond float64    `gorm:"not null" json:"chance_to_respond" binding:"gte=0,lte=1"`
	CompletionMode  bool       `gorm:"not null" json:"completion_mode"`
	RawMode         bool       `gorm:"not null" json:"raw_mode"`
	Whitelist       ChannelSet `json:"whitelist"`
	Blacklist       ChannelSet `json:"blacklist"`
	Persona         Persona    `gorm:"embedded;embeddedPrefix:persona_" json:"persona"`

	ModelUnixTime
}

func (GuildConfig) TableName() string {
	return "guild_config"
}

// newGuildConfig returns a GuildConfig for guildID populated with defaults.
func newGuildConfig(guildID string, defaults GuildDefaultsConfig, persona Persona) *GuildConfig {
	return &GuildConfig{
		GuildID:         guildID,
		ChanceToRespond: clampChance(defaults.ChanceToRespond),
		CompletionMode:  defaults.CompletionMode,
		RawMode:         defaults.RawMode,
		Whitelist:       NewChannelSet(defaults.Whitelist...),
		Blacklist:       NewChannelSet(defaults.Blacklist...),
		Persona:         persona,
	}
}

// LogValue implements slog.LogValuer
func (g GuildConfig) LogValue() slog.Value {
	return structToSlogValue(g)
}

// GuildConfigUpdate is a partial update to a GuildConfig. Nil fields
// are left unchanged.
type GuildConfigUpdate struct {
	GuildName        *string   `json:"guild_name" binding:"omitnil,min=1"`
	ChanceToRespond  *float64  `json:"chance_to_respond" binding:"omitnil,gte=0,lte=1"`
	CompletionMode   *bool     `json:"completion_mode"`
	RawMode          *bool     `json:"raw_mode"`
	Whitelist        *[]string `json:"whitelist"`
	Blacklist        *[]string `json:"blacklist"`
	Premise          *string   `json:"premise"`
	Model            *string   `json:"model" binding:"omitnil,min=1"`
	Temperature      *float32  `json:"temperature" binding:"omitnil,gte=0,lte=1"`
	TopP             *float32  `json:"top_p" binding:"omitnil,gte=0,lte=1"`
	FrequencyPenalty *float32  `json:"frequency_penalty" binding:"omitnil,gte=0,lte=1"`
	PresencePenalty  *float32  `json:"presence_penalty" binding:"omitnil,gte=0,lte=1"`
	MaxTokens        *int      `json:"max_tokens" binding:"omitnil,gte=1"`
	StopSequences    *[]string `json:"stop_sequences"`
}

// apply copies the non-nil fields of u onto g
func (u GuildConfigUpdate) apply(g *GuildConfig) {
	if u.GuildName != nil {
		g.GuildName = *u.GuildName
	}
	if u.ChanceToRespond != nil {
		g.ChanceToRespond = clampChance(*u.ChanceToRespond)
	}
	if u.CompletionMode != nil {
		g.CompletionMode = *u.CompletionMode
	}
	if u.RawMode != nil {
		g.RawMode = *u.RawMode
	}
	if u.Whitelist != nil {
		g.Whitelist = NewChannelSet(*u.Whitelist...)
	}
	if u.Blacklist != nil {
		g.Blacklist = NewChannelSet(*u.Blacklist...)
	}
	if u.Premise != nil {
		g.Persona.Premise = *u.Premise
	}
	if u.Model != nil {
		g.Persona.Model = *u.Model
	}
	if u.Temperature != nil {
		g.Persona.Temperature = *u.Temperature
	}
	if u.TopP != nil {
		g.Persona.TopP = *u.TopP
	}
	if u.FrequencyPenalty != nil {
		g.Persona.FrequencyPenalty = *u.FrequencyPenalty
	}
	if u.PresencePenalty != nil {
		g.Persona.PresencePenalty = *u.PresencePenalty
	}
	if u.MaxTokens != nil {
		g.Persona.MaxTokens = *u.MaxTokens
	}
	if u.StopSequences != nil {
		g.Persona.StopSequences = append(StringList{}, *u.StopSequences...)
	}
}

// clampChance limits a response probability to [0,1]. NaN is treated as 0.
func clampChance(chance float64) float64 {
	switch {
	case math.IsNaN(chance), chance < 0:
		return 0
	case chance > 1:
		return 1
	default:
		return chance
	}
}

// chanceFromPercent converts a whole-number percentage to a clamped
// probability.
func chanceFromPercent(percent int) float64 {
	return clampChance(float64(percent) / 100)
}

// chancePercent converts a probability to a whole-number percentage.
func chancePercent(chance float64) int {
	return int(math.Round(clampChance(chance) * 100))
}

// ChannelSet is a sorted set of unique Discord channel IDs, stored as a
// JSON array.
type ChannelSet []string

// NewChannelSet returns a ChannelSet containing the non-empty IDs given.
func NewChannelSet(ids ...string) ChannelSet {
	s := ChannelSet{}
	for _, id := range ids {
		s = s.Add(id)
	}
	return s
}

// Contains reports whether id is in the set
func (s ChannelSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, found := slices.BinarySearch(s, id)
	return found
}

// Add returns the set with id added.
func (s ChannelSet) Add(id string) ChannelSet {
	if id == "" {
		return s
	}
	i, found := slices.BinarySearch(s, id)
	if found {
		return s
	}
	return slices.Insert(slices.Clone(s), i, id)
}

// Remove returns the set with id removed.
func (s ChannelSet) Remove(id string) ChannelSet {
	i, found := slices.BinarySearch(s, id)
	if !found {
		return s
	}
	return slices.Delete(slices.Clone(s), i, i+1)
}

// Scan implements the sql.Scanner interface.
func (s *ChannelSet) Scan(value any) error {
	var ids []string
	if err := scanJSON(value, &ids); err != nil {
		return fmt.Errorf("ChannelSet: %w", err)
	}
	*s = NewChannelSet(ids...)
	return nil
}

// Value implements the driver.Valuer interface.
func (s ChannelSet) Value() (driver.Value, error) {
	b, err := json.Marshal(NewChannelSet(s...))
	return string(b), err
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (ChannelSet) GormDataType() string {
	return "string"
}

// UnmarshalJSON implements the json.Unmarshaler interface, normalizing
// the decoded IDs.
func (s *ChannelSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewChannelSet(ids...)
	return nil
}

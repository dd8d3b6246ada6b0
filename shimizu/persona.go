package shimizu

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultPersonaName             = "Shimizu"
	DefaultPersonaPremise          = "is a chat bot that pretends to be a real discord member"
	DefaultPersonaModel            = openai.GPT3Dot5TurboInstruct
	DefaultPersonaTemperature      = float32(0.5)
	DefaultPersonaTopP             = float32(0.95)
	DefaultPersonaFrequencyPenalty = float32(0)
	DefaultPersonaPresencePenalty  = float32(0)
	DefaultPersonaMaxTokens        = 360
)

// DefaultPersonaStopSequences are appended after the caller and bot
// name labels when building a completion request.
func DefaultPersonaStopSequences() StringList {
	return StringList{"\n\n", "You:"}
}

// Persona is the identity and sampling configuration used to build
// prompts for the bot.
//
// Fields:
//   - Name: The name the bot speaks as. Used as the speaker label in the
//     prompt and as a stop sequence.
//   - Premise: Describes the bot, completing the sentence "{Name} ...".
//   - Model: The completion model ID.
//   - Temperature, TopP, FrequencyPenalty, PresencePenalty: Sampling
//     parameters, each in [0,1].
//   - MaxTokens: The maximum number of tokens to generate.
//   - StopSequences: Extra stop sequences, added after the caller and
//     bot labels.
type Persona struct {
	Name             string     `yaml:"name" mapstructure:"name" json:"name" gorm:"not null" binding:"required"`
	Premise          string     `yaml:"premise" mapstructure:"premise" json:"premise" gorm:"not null"`
	Model            string     `yaml:"model" mapstructure:"model" json:"model" gorm:"not null" binding:"required"`
	Temperature      float32    `yaml:"temperature" mapstructure:"temperature" json:"temperature" gorm:"not null" binding:"gte=0,lte=1"`
	TopP             float32    `yaml:"top_p" mapstructure:"top_p" json:"top_p" gorm:"not null" binding:"gte=0,lte=1"`
	FrequencyPenalty float32    `yaml:"frequency_penalty" mapstructure:"frequency_penalty" json:"frequency_penalty" gorm:"not null" binding:"gte=0,lte=1"`
	PresencePenalty  float32    `yaml:"presence_penalty" mapstructure:"presence_penalty" json:"presence_penalty" gorm:"not null" binding:"gte=0,lte=1"`
	MaxTokens        int        `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" gorm:"not null" binding:"gte=1"`
	StopSequences    StringList `yaml:"stop_sequences" mapstructure:"stop_sequences" json:"stop_sequences"`
}

// DefaultPersona returns the persona assigned to new guilds.
func DefaultPersona() Persona {
	return Persona{
		Name:             DefaultPersonaName,
		Premise:          DefaultPersonaPremise,
		Model:            DefaultPersonaModel,
		Temperature:      DefaultPersonaTemperature,
		TopP:             DefaultPersonaTopP,
		FrequencyPenalty: DefaultPersonaFrequencyPenalty,
		PresencePenalty:  DefaultPersonaPresencePenalty,
		MaxTokens:        DefaultPersonaMaxTokens,
		StopSequences:    DefaultPersonaStopSequences(),
	}
}

// Validate checks the persona's field constraints.
func (p Persona) Validate() error {
	return structValidator.Struct(p)
}

// withDefaults returns a copy of p where fields that can't meaningfully
// be empty are taken from def.
func (p Persona) withDefaults(def Persona) Persona {
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.Premise == "" {
		p.Premise = def.Premise
	}
	if p.Model == "" {
		p.Model = def.Model
	}
	if p.MaxTokens < 1 {
		p.MaxTokens = def.MaxTokens
	}
	if p.StopSequences == nil {
		p.StopSequences = append(StringList{}, def.StopSequences...)
	}
	return p
}

// StringList is an ordered list of strings, stored as a JSON array.
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	var items []string
	if err := scanJSON(value, &items); err != nil {
		return fmt.Errorf("StringList: %w", err)
	}
	*s = items
	return nil
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	return string(b), err
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (StringList) GormDataType() string {
	return "string"
}

func scanJSON(value any, dst any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported type %T", value)
	}
}

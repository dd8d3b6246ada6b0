//nolint:lll // struct tags can't be split
package shimizu

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "SHIMIZU_ENV_PREFIX"
	DefaultEnvPrefix   = "SHIMIZU"

	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "shimizu.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultOpenAIMaxRequestsPerSecond = 1
	DefaultPromptCacheSize            = 10

	DefaultHistoryLimit    = 10
	DefaultGuildCacheSize  = 100
	DefaultFallbackReply   = "I am sorry, I do not understand."
	DefaultGuildSyncLimit  = 5
	DefaultDiscordLogLevel = slog.LevelWarn

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentMessageContent
	DefaultDiscordCustomStatus  = "mention me to chat!"

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPITLSMinVersion  = tls.VersionTLS12
	DefaultAPISessionMaxAge  = 6 * time.Hour

	DefaultDatabaseSlowThreshold   = 200 * time.Millisecond
	DefaultDatabaseLogLevel        = slog.LevelInfo
	DefaultDiscordgoLogLevel       = slog.LevelWarn
	DefaultOpenAILogLevel          = slog.LevelInfo
	DefaultAPILogLevel             = slog.LevelInfo
	defaultListenNetwork           = "tcp"
	DefaultAPICORSAllowCredentials = true

	DefaultRuntimeConfigTTL = 5 * time.Minute
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		xRequestIDHeader,
		"Location",
		"ETag",
		"Last-Modified",
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType is 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel controls the gorm query logger
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold marks queries slower than this with a warning
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// OpenAI holds the configuration for the completion API
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// API configures the admin HTTP server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Persona is assigned to guilds the first time they're seen
	Persona Persona `yaml:"persona" mapstructure:"persona" json:"persona"`

	// Guild sets the initial settings for guilds the first time they're seen
	Guild GuildDefaultsConfig `yaml:"guild" mapstructure:"guild" json:"guild"`

	// HistoryLimit is the maximum number of prior channel messages included
	// in a prompt. 0 disables history.
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit" binding:"gte=0"`

	// GuildCacheSize is the number of guild configs held in memory
	GuildCacheSize int `yaml:"guild_cache_size" mapstructure:"guild_cache_size" json:"guild_cache_size" binding:"gte=1"`

	// LogLevel applies to the root logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout bounds the graceful shutdown. In-flight replies still
	// running after it are abandoned.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RuntimeConfigTTL sets the time-to-live for the RuntimeConfig cache.
	// If above 0, the config will be reloaded from the database at least
	// every TTL duration. If using PostgreSQL, LISTEN/NOTIFY will be used to
	// announce updates in addition to this.
	RuntimeConfigTTL time.Duration `yaml:"runtime_config_ttl" mapstructure:"runtime_config_ttl" json:"runtime_config_ttl"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config's field constraints, including the nested
// persona and component configs.
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// GuildDefaultsConfig holds the settings applied to a guild the first
// time the bot sees it.
type GuildDefaultsConfig struct {
	// ChanceToRespond is the initial probability of a random reply
	ChanceToRespond float64 `yaml:"chance_to_respond" mapstructure:"chance_to_respond" json:"chance_to_respond" binding:"gte=0,lte=1"`

	CompletionMode bool `yaml:"completion_mode" mapstructure:"completion_mode" json:"completion_mode"`
	RawMode        bool `yaml:"raw_mode" mapstructure:"raw_mode" json:"raw_mode"`

	// Whitelist is the initial set of channels that always get replies
	Whitelist []string `yaml:"whitelist" mapstructure:"whitelist" json:"whitelist"`

	// Blacklist is the initial set of channels without random replies
	Blacklist []string `yaml:"blacklist" mapstructure:"blacklist" json:"blacklist"`
}

// DiscordConfig holds the bot's Discord credentials and gateway settings.
type DiscordConfig struct {
	// Token is the bot token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// ApplicationID is used when registering slash commands
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID scopes slash command registration to one guild. Empty
	// registers global commands.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// RegisterCommands overwrites the application's slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`

	// FallbackReply is sent when the completion fails or comes back empty
	FallbackReply string `yaml:"fallback_reply" mapstructure:"fallback_reply" json:"fallback_reply" binding:"required"`

	// GuildSyncLimit caps the concurrent guild config syncs performed on READY
	GuildSyncLimit int `yaml:"guild_sync_limit" mapstructure:"guild_sync_limit" json:"guild_sync_limit" binding:"gte=1"`

	// LogLevel applies to the bot's discord logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DiscordGoLogLevel is mapped onto discordgo's own logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// GatewayIntents must include IntentMessageContent to read messages
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// OpenAIConfig configures the completion API
type OpenAIConfig struct {
	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API endpoint, for OpenAI-compatible servers
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// PromptCacheSize is the number of prompt/response pairs kept in memory.
	// 0 disables the cache.
	PromptCacheSize int `yaml:"prompt_cache_size" mapstructure:"prompt_cache_size" json:"prompt_cache_size" binding:"gte=0"`
}

// APIConfig configures the admin HTTP server
type APIConfig struct {
	// Enabled starts the API server
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Listen is the host:port (or socket path) to serve on
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// ListenNetwork is passed to net.Listen
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret derives the session cookie keys
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	// Configuration for SSL/TLS. TLS is only used when both the
	// certificate and key are set.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// LogLevel applies to request logging
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Server timeouts, see http.Server
	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,omitempty,min=1s"`

	// SessionMaxAge sets the session cookie lifetime
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"required_if=Enabled true,omitempty,min=10m,max=24h"`

	// Development enables pprof endpoints, and sets the SameSite attribute
	// of the session cookie to 'None'
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig holds the API's certificate paths
type SSLConfig struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// Enabled returns true if both a certificate and key are configured
func (s SSLConfig) Enabled() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

// CORSConfig mirrors cors.Config for the settings exposed to users
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultGuildDefaultsConfig returns the initial settings for new guilds
func DefaultGuildDefaultsConfig() GuildDefaultsConfig {
	return GuildDefaultsConfig{
		ChanceToRespond: DefaultChanceToRespond,
		CompletionMode:  DefaultCompletionMode,
		RawMode:         DefaultRawMode,
		Whitelist:       []string{},
		Blacklist:       []string{},
	}
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RuntimeConfigTTL:      DefaultRuntimeConfigTTL,
		HistoryLimit:          DefaultHistoryLimit,
		GuildCacheSize:        DefaultGuildCacheSize,
		Persona:               DefaultPersona(),
		Guild:                 DefaultGuildDefaultsConfig(),
		OpenAI: &OpenAIConfig{
			LogLevel:        openaiLogLevel,
			PromptCacheSize: DefaultPromptCacheSize,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			FallbackReply:     DefaultFallbackReply,
			GuildSyncLimit:    DefaultGuildSyncLimit,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/soulwax/Shimizu-GPT-3/shimizu"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = shimizu.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "shimizu [flags]",
	Short: "A Discord chat bot backed by the OpenAI completion API",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
	SilenceUsage: true,
}

// loadConfig decodes the viper settings onto c. List settings given as
// strings (ex: from the environment) are split on commas.
func loadConfig(c *shimizu.Config) error {
	err := viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				StringToLevelVarHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return nil
}

// StringToLevelVarHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields. mapstructure hands non-nil struct pointers
// to hooks as the struct itself, so both target types are matched.
func StringToLevelVarHookFunc() mapstructure.DecodeHookFuncType {
	levelVarType := reflect.TypeOf((*slog.LevelVar)(nil)).Elem()
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != levelVarType && t != reflect.PointerTo(levelVarType) {
			return data, nil
		}
		lvl, err := levelStringToLevelVar(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		return lvl, nil
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("error loading env file %s: %v", configFile, err)
	}

	persona := shimizu.DefaultPersona()
	guild := shimizu.DefaultGuildDefaultsConfig()
	cors := shimizu.DefaultCORSConfig()

	viper.SetDefault("database", shimizu.DefaultDatabase)
	viper.SetDefault("database_type", shimizu.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", shimizu.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", shimizu.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", shimizu.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", shimizu.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", shimizu.DefaultShutdownTimeout)
	viper.SetDefault("runtime_config_ttl", shimizu.DefaultRuntimeConfigTTL)
	viper.SetDefault("history_limit", shimizu.DefaultHistoryLimit)
	viper.SetDefault("guild_cache_size", shimizu.DefaultGuildCacheSize)

	// Persona assigned to new guilds
	viper.SetDefault("persona.name", persona.Name)
	viper.SetDefault("persona.premise", persona.Premise)
	viper.SetDefault("persona.model", persona.Model)
	viper.SetDefault("persona.temperature", persona.Temperature)
	viper.SetDefault("persona.top_p", persona.TopP)
	viper.SetDefault("persona.frequency_penalty", persona.FrequencyPenalty)
	viper.SetDefault("persona.presence_penalty", persona.PresencePenalty)
	viper.SetDefault("persona.max_tokens", persona.MaxTokens)
	viper.SetDefault("persona.stop_sequences", []string(persona.StopSequences))

	// Initial guild settings
	viper.SetDefault("guild.chance_to_respond", guild.ChanceToRespond)
	viper.SetDefault("guild.completion_mode", guild.CompletionMode)
	viper.SetDefault("guild.raw_mode", guild.RawMode)
	viper.SetDefault("guild.whitelist", guild.Whitelist)
	viper.SetDefault("guild.blacklist", guild.Blacklist)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.log_level", shimizu.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.prompt_cache_size", shimizu.DefaultPromptCacheSize)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.register_commands", false)
	viper.SetDefault("discord.fallback_reply", shimizu.DefaultFallbackReply)
	viper.SetDefault("discord.guild_sync_limit", shimizu.DefaultGuildSyncLimit)
	viper.SetDefault("discord.log_level", shimizu.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", shimizu.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(shimizu.DefaultDiscordGatewayIntent))

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", shimizu.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", shimizu.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", shimizu.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", shimizu.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", shimizu.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", shimizu.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", shimizu.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert_file", "")
	viper.SetDefault("api.ssl.key_file", "")
	viper.SetDefault("api.ssl.tls_min_version", shimizu.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", cors.AllowOrigins)
	viper.SetDefault("api.cors.allow_methods", cors.AllowMethods)
	viper.SetDefault("api.cors.allow_headers", cors.AllowHeaders)
	viper.SetDefault("api.cors.expose_headers", cors.ExposeHeaders)
	viper.SetDefault("api.cors.max_age", cors.MaxAge)
	viper.SetDefault("api.cors.allow_credentials", cors.AllowCredentials)

	envPrefix := os.Getenv(shimizu.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = shimizu.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default: .env)",
	)
}

package shimizu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/soulwax/Shimizu-GPT-3/shimizu.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var shutdownAnnouncementInterval = 10 * time.Second

// Shimizu is the bot. It owns the Discord session, the completion
// client, the guild and conversation stores, and the backend API.
//
// Fields:
//
//   - config: The main configuration.
//
//   - db: Read connection. Writes go through writeDB.
//
//   - writeDB: Serializes writes when using SQLite.
//
//   - dbNotifier: Announces runtime config, guild config and stop events
//     to other instances sharing the database.
//
//   - guilds: Per-guild settings, cached.
//
//   - conversations: Per-channel message history.
//
//   - runtimeConfig: The current RuntimeConfig. Guarded by cfgMu.
//
//   - paused: When set, messages are recorded but not replied to.
//
//   - botIdentity: The bot's own user, set on READY.
//
//   - rng: Source for the random reply chance. Nil uses math/rand/v2.
//
//   - runtimeWG: Tracks event handlers and background workers, so
//     shutdown can wait for them.
type Shimizu struct {
	config *Config

	db         *gorm.DB
	writeDB    DBI
	dbNotifier DBNotifier

	logger *slog.Logger

	discord *Discord
	openai  *OpenAI
	api     *API

	guilds        *GuildConfigStore
	conversations *ConversationStore

	// signalStop triggers a graceful shutdown (ex: from `/api/quit`)
	signalStop chan struct{}

	// signalReady receives a value once Run has connected and started
	// its workers
	signalReady chan struct{}

	// eventShutdown receives a value once shutdown has completed
	eventShutdown chan struct{}

	// triggerRuntimeConfigRefreshCh reloads RuntimeConfig. A true value
	// forces the reload even if the row hasn't changed.
	triggerRuntimeConfigRefreshCh chan bool

	runMu         sync.Mutex
	cfgMu         sync.RWMutex
	runtimeConfig *RuntimeConfig

	paused      atomic.Bool
	botIdentity atomic.Pointer[BotIdentity]
	rng         func() float64

	startedAt time.Time
	runtimeWG sync.WaitGroup
}

// New creates a bot from config. The database isn't opened, and Discord
// isn't contacted, until Run.
func New(config *Config) (*Shimizu, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	s := &Shimizu{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		signalStop:                    make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
	}

	s.logger = slog.New(newLogHandler(config.LogLevel))
	slog.SetDefault(s.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel),
	)

	config.Discord.httpClient = config.HTTPClient
	s.discord = newDiscord(config.Discord)
	s.openai = newOpenAI(config.OpenAI, config.HTTPClient, nil)

	if config.API.Enabled {
		api, err := newAPI(s, config.API)
		if err != nil {
			errs = append(errs, err)
		}
		s.api = api
	}

	return s, errors.Join(errs...)
}

// ValidateConfig checks the bot's Config
func (s *Shimizu) ValidateConfig() error {
	return s.config.Validate()
}

// RegisterSlashCommands overwrites the application's slash commands
func (s *Shimizu) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return s.discord.registerCommands(options...)
}

// Run starts the bot, and blocks until ctx is canceled or a stop signal
// is received, after which it shuts down gracefully.
func (s *Shimizu) Run(ctx context.Context) error {
	// prevents concurrent runs
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.startedAt = time.Now()
	logger := s.logger

	if err := s.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(s)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	s.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", s.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- s.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup cancelled or timed out")
	case err = <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if s.api != nil {
		go func() {
			httpErr := s.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if err = s.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	logger.InfoContext(ctx, "connecting to discord")
	if err = s.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if s.config.Discord.RegisterCommands {
		if _, err = s.RegisterSlashCommands(); err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
		}
	}

	s.startRuntimeConfigRefresher(ctx)
	s.startNotifierListeners(ctx)

	select {
	case s.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()
	return s.shutdown(ctx)
}

func (s *Shimizu) startNotifierListeners(ctx context.Context) {
	channels := []string{
		s.dbNotifier.RuntimeConfigChannelName(),
		s.dbNotifier.GuildConfigChannelName(),
		s.dbNotifier.StopChannelName(),
	}
	for _, channel := range channels {
		s.runtimeWG.Add(1)
		go func() {
			defer s.runtimeWG.Done()
			if e := s.dbNotifier.Listen(ctx, channel); e != nil {
				s.logger.ErrorContext(ctx, "error listening for notifications", "channel", channel, tint.Err(e))
			}
		}()
	}
}

// initRun opens the database, then loads the RuntimeConfig, creating it
// if this is the first run.
func (s *Shimizu) initRun(ctx context.Context) error {
	s.logger.Debug("initializing DB...")
	if err := s.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	s.logger.Debug("finished initializing DB")

	// paused is persisted, so a bot paused before a crash or restart
	// comes back paused
	botState, err := loadRuntimeConfig(ctx, s.db, s.writeDB)
	if err != nil {
		return err
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}
	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		s.logger.Warn("admin credentials not set, API login disabled (see `shimizu init`)")
	}

	s.cfgMu.Lock()
	s.runtimeConfig = &botState
	s.cfgMu.Unlock()

	s.paused.Store(botState.Paused)
	s.setRuntimeLevels(botState)
	return nil
}

// loadRuntimeConfig returns the RuntimeConfig row, creating it with
// default values if it doesn't exist
func loadRuntimeConfig(ctx context.Context, db *gorm.DB, writeDB DBI) (RuntimeConfig, error) {
	var botState RuntimeConfig
	err := db.WithContext(ctx).Last(&botState).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		botState = DefaultRuntimeConfig()
		if _, err = writeDB.Create(ctx, &botState); err != nil {
			return botState, fmt.Errorf("error creating config: %w", err)
		}
	case err != nil:
		return botState, fmt.Errorf("error getting config: %w", err)
	}
	return botState, nil
}

func (s *Shimizu) initDB(ctx context.Context) error {
	logger := loggerFromContext(ctx, s.logger)

	gormLogger := newGORMLogger(
		newLogHandler(s.config.DatabaseLogLevel),
		s.config.DatabaseSlowThreshold,
	)
	db, err := openDB(ctx, s.config.DatabaseType, s.config.Database, gormLogger)
	if err != nil {
		return err
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	s.db = db
	s.writeDB = NewDatabase(db, s.logger, s.config.DatabaseType == dbTypePostgres)
	s.openai.db = s.writeDB
	s.conversations = NewConversationStore(s.writeDB, s.logger)
	s.guilds = NewGuildConfigStore(
		s.writeDB,
		s.config.GuildCacheSize,
		s.config.Guild,
		s.config.Persona,
		s.logger,
	)
	s.guilds.notifier = s.dbNotifier
	return nil
}

// initDiscordSession creates the discord session if needed, sets the
// identify payload and (re-)registers the gateway event handlers
func (s *Shimizu) initDiscordSession(ctx context.Context) error {
	logger := s.discord.logger.With(loggerNameKey, "discord_session")

	if s.discord.session == nil {
		disc, discErr := s.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		s.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)
	s.discord.removeHandlers()

	s.discord.session.SetIdentify(
		discordgo.Identify{
			Intents:  s.config.Discord.GatewayIntents,
			Presence: getDiscordPresenceStatusUpdate(s.RuntimeConfig()),
		},
	)

	s.discord.discordgoRemoveHandlerFuncs = []func(){
		s.discord.session.AddHandler(s.discord.handlerConnect()),
		s.discord.session.AddHandler(s.discord.handlerDisconnect()),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.Ready) {
				s.goHandle(ctx, func(ctx context.Context) { s.handleReady(ctx, r) })
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, g *discordgo.GuildCreate) {
				s.goHandle(ctx, func(ctx context.Context) { s.handleGuildCreate(ctx, g) })
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				s.goHandle(ctx, func(ctx context.Context) { s.handleInteraction(ctx, i) })
			},
		),
		s.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				s.goHandle(ctx, func(ctx context.Context) { s.handleMessage(ctx, m) })
			},
		),
	}
	return nil
}

// goHandle runs fn in a goroutine tracked by runtimeWG. If
// RuntimeConfig.RecoverPanic is set, panics are logged instead of
// crashing the bot.
func (s *Shimizu) goHandle(ctx context.Context, fn func(ctx context.Context)) {
	s.runtimeWG.Add(1)
	go func() {
		defer s.runtimeWG.Done()
		if s.RuntimeConfig().RecoverPanic {
			defer func() {
				if rc := recover(); rc != nil {
					handleRecover(ctx, s.logger, rc)
				}
			}()
		}
		fn(ctx)
	}()
}

// handleReady records the bot's identity, and makes sure every guild the
// bot is in has a stored config
func (s *Shimizu) handleReady(ctx context.Context, r *discordgo.Ready) {
	logger := loggerFromContext(ctx, s.logger)
	if r.User != nil {
		s.botIdentity.Store(&BotIdentity{ID: r.User.ID, Username: r.User.Username})
		logger.InfoContext(
			ctx,
			"ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}

	g := new(errgroup.Group)
	g.SetLimit(max(s.config.Discord.GuildSyncLimit, 1))
	for _, guild := range r.Guilds {
		if guild == nil {
			continue
		}
		g.Go(
			func() error {
				if _, err := s.guilds.Ensure(ctx, guild.ID, guild.Name); err != nil {
					return fmt.Errorf("guild %s: %w", guild.ID, err)
				}
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		logger.ErrorContext(ctx, "error syncing guild configs", tint.Err(err))
	}
}

func (s *Shimizu) handleGuildCreate(ctx context.Context, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	if _, err := s.guilds.Ensure(ctx, g.ID, g.Name); err != nil {
		loggerFromContext(ctx, s.logger).ErrorContext(
			ctx, "error syncing guild config", "guild_id", g.ID, tint.Err(err),
		)
	}
}

// identity returns the bot's own user. Before READY, only the
// application ID is known.
func (s *Shimizu) identity() BotIdentity {
	if bot := s.botIdentity.Load(); bot != nil {
		return *bot
	}
	return BotIdentity{ID: s.config.Discord.ApplicationID}
}

// handleMessage records guild messages in the channel's conversation,
// and replies with a completion when the guild's reply policy says to.
func (s *Shimizu) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil {
		return
	}
	bot := s.identity()
	if m.Author.Bot || m.Author.ID == bot.ID || m.GuildID == "" {
		return
	}

	msg := inboundMessage(m.Message)
	logger := s.discord.logger.With(messageLogAttrs(msg)...)
	ctx = WithLogger(ctx, logger)

	cfg, err := s.guilds.Get(ctx, msg.GuildID)
	switch {
	case errors.Is(err, ErrNotFound):
		cfg, err = s.guilds.Ensure(ctx, msg.GuildID, "")
		if err != nil {
			logger.WarnContext(ctx, "using default guild config", tint.Err(err))
		}
	case err != nil:
		logger.WarnContext(ctx, "using default guild config", tint.Err(err))
	}

	input := cleanInbound(msg.Content, cfg.CompletionMode)

	history, err := s.conversations.History(ctx, msg.ChannelID, s.config.HistoryLimit)
	if err != nil {
		logger.ErrorContext(ctx, "error getting conversation history", tint.Err(err))
	}
	if input != "" {
		if err = s.conversations.Append(
			ctx, &ConversationMessage{
				ChannelID: msg.ChannelID,
				GuildID:   msg.GuildID,
				MessageID: msg.ID,
				AuthorID:  msg.AuthorID,
				Author:    msg.Author,
				Content:   input,
				Timestamp: messageTimestamp(m.Message),
			},
		); err != nil {
			logger.ErrorContext(ctx, "error saving message", tint.Err(err))
		}
	}

	if s.paused.Load() {
		logger.DebugContext(ctx, "paused, not replying")
		return
	}

	reply, reason := shouldReply(msg, bot, cfg.ChanceToRespond, cfg.Whitelist, cfg.Blacklist, s.rng)
	if !reply {
		return
	}
	if input == "" {
		logger.DebugContext(ctx, "nothing to reply to after cleanup")
		return
	}
	logger.InfoContext(ctx, "replying", "reason", reason)

	if err = s.discord.session.ChannelTyping(msg.ChannelID); err != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}

	req := CompletionRequest{
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		Persona:   cfg.Persona,
		Raw:       cfg.RawMode,
		Stop:      stopSequences(cfg.Persona, msg.Author),
	}
	if cfg.RawMode {
		req.Prompt = msg.Content
	} else {
		req.Prompt = buildPrompt(cfg.Persona, history, msg.Author, input)
	}

	text, err := s.openai.Complete(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "completion failed, using fallback reply", tint.Err(err))
	}
	if strings.TrimSpace(text) == "" {
		text = s.config.Discord.FallbackReply
	}
	text = truncateReply(text)

	if err = s.conversations.Append(
		ctx, &ConversationMessage{
			ChannelID: msg.ChannelID,
			GuildID:   msg.GuildID,
			AuthorID:  bot.ID,
			Author:    cfg.Persona.Name,
			Content:   text,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error saving reply", tint.Err(err))
	}

	if _, err = s.discord.session.ChannelMessageSendReply(
		msg.ChannelID,
		text,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
		return
	}
	s.discord.metricMessagesHandled.Add(1)
}

// messageTimestamp returns the message's timestamp in Unix milliseconds,
// or 0 (meaning 'now') if it isn't set
func messageTimestamp(m *discordgo.Message) int64 {
	if m.Timestamp.IsZero() {
		return 0
	}
	return m.Timestamp.UTC().UnixMilli()
}

// Pause stops the bot from replying to messages, persisting the paused
// state. It returns false if the bot was already paused.
func (s *Shimizu) Pause(ctx context.Context) bool {
	return s.setPaused(ctx, true)
}

// Resume un-pauses the bot. It returns false if the bot wasn't paused.
func (s *Shimizu) Resume(ctx context.Context) bool {
	return s.setPaused(ctx, false)
}

func (s *Shimizu) setPaused(ctx context.Context, paused bool) bool {
	if s.paused.Load() == paused {
		s.logger.WarnContext(ctx, "pause state unchanged", "paused", paused)
		return false
	}
	if _, err := s.UpdateRuntimeConfig(ctx, RuntimeConfigUpdate{Paused: &paused}); err != nil {
		s.logger.ErrorContext(ctx, "unable to persist pause state", tint.Err(err))
		s.paused.Store(paused)
		cfg := s.RuntimeConfig()
		cfg.Paused = paused
		s.discord.setPresence(ctx, cfg)
	}
	s.logger.InfoContext(ctx, "pause state changed", "paused", paused)
	return true
}

// shutdown closes the discord connection, waits for in-flight handlers
// and background workers, then stops the API server. If that takes longer
// than Config.ShutdownTimeout, the API server is closed forcefully.
func (s *Shimizu) shutdown(ctx context.Context) error {
	s.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case s.eventShutdown <- struct{}{}:
		default:
		}
	}()

	if s.discord.session != nil {
		s.discord.removeHandlers()
		if err := s.discord.session.Close(); err != nil {
			s.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(s.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		s.runtimeWG.Wait()
		s.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", time.Since(shutdownStart),
		)
		if s.api != nil {
			if err := s.api.httpServer.Shutdown(closeCtx); err != nil {
				s.logger.ErrorContext(ctx, "error shutting down API server", tint.Err(err))
			}
		}
		gracefulShutdownCh <- struct{}{}
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			s.logger.InfoContext(ctx, "shutdown complete", "shutdown_duration", time.Since(shutdownStart))
			return nil
		case <-announcementTicker.C:
			s.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)))
		case <-closeCtx.Done():
			s.logger.Warn("handlers did not stop in time, forcing close")
			if s.api != nil {
				go func() {
					_ = s.api.httpServer.Close()
				}()
			}
			return errors.New("handlers did not stop in time")
		}
	}
}

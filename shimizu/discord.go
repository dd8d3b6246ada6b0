package shimizu

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord owns the gateway session and the application's slash
// commands. The metric counters and connected flag are updated by the
// connect/disconnect handlers and reported by the API.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricMessagesHandled       atomic.Int64
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig) *Discord {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.logger = slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "discord")
	return d
}

// newSession creates a discordgo session using the configured bot token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", sessionLogAttrs(s)...)
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", sessionLogAttrs(s)...)
	}
}

// removeHandlers removes any previously registered gateway event handlers
func (d *Discord) removeHandlers() {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
}

func sessionLogAttrs(s *discordgo.Session) []any {
	var sessionID, userID, username string
	if s != nil && s.State != nil {
		sessionID = s.State.SessionID
		if s.State.User != nil {
			userID = s.State.User.ID
			username = s.State.User.Username
		}
	}
	return []any{
		"session_id", sessionID,
		slog.Group("user", "id", userID, "username", username),
	}
}

// setPresence shows the bot as do-not-disturb while paused, and otherwise
// sets the configured custom status
func (d *Discord) setPresence(ctx context.Context, config RuntimeConfig) {
	if d.session == nil || !d.connected.Load() {
		return
	}
	var err error
	if config.Paused {
		err = d.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		)
	} else {
		err = d.session.UpdateCustomStatus(config.DiscordCustomStatus)
	}
	if err != nil {
		d.logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commandDefinitions(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	d.logger.Info("registered commands", "count", len(created))
	return created, nil
}

// respondEmbed answers an interaction with a single embed
func (d *Discord) respondEmbed(
	i *discordgo.Interaction,
	embed *discordgo.MessageEmbed,
) error {
	return d.session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Embeds: []*discordgo.MessageEmbed{embed},
			},
		},
	)
}

// respondEphemeral answers an interaction with a message only the
// invoking user can see
func (d *Discord) respondEphemeral(i *discordgo.Interaction, content string) error {
	return d.session.InteractionRespond(
		i,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
}

// DiscordSessionHandler is the subset of *discordgo.Session the bot
// uses. Tests substitute a mock.
type DiscordSessionHandler interface {
	Open() error
	Close() error

	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows the typing indicator in the given channel
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// Channel retrieves a channel by ID
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite replaces the application's commands.
	// If guildID is empty, the commands are global.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets a custom status. An empty status clears it.
	UpdateCustomStatus(status string) error
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	AddHandler(handler any) func()

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	SetHTTPClient(client *http.Client)

	// SetIdentify sets the payload sent in the gateway handshake
	SetIdentify(discordgo.Identify)

	// SetLogLevel maps lvl onto discordgo's numeric log levels
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession wraps a *discordgo.Session as a DiscordSessionHandler.
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	} else {
		d.logger.Debug(
			"sent message reply",
			"channel_id", channelID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(data)
}

// inboundMessage extracts the fields used for reply decisions and prompts.
// If the message has no text, the first attachment's URL is used as its
// content.
func inboundMessage(m *discordgo.Message) InboundMessage {
	msg := InboundMessage{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.Author = m.Author.Username
	}
	if msg.Content == "" && len(m.Attachments) > 0 && m.Attachments[0] != nil {
		msg.Content = m.Attachments[0].URL
	}
	return msg
}

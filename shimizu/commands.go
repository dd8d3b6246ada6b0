package shimizu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	commandHelp             = "help"
	commandPing             = "ping"
	commandReset            = "reset"
	commandShutup           = "shutup"
	commandStatus           = "status"
	commandSetChance        = "setchance"
	commandToggleCompletion = "togglecompletion"
	commandToggleRawMode    = "togglerawmode"
	commandWhitelist        = "whitelist"
	commandBlacklist        = "blacklist"
	commandSetPremise       = "setpremise"
	commandForget           = "forget"

	optionPercent = "percent"
	optionPremise = "premise"

	premiseMaxLength = 500

	colorHelp       = 0x01ff77
	colorPing       = 0x00ff00
	colorReset      = 0xff0000
	colorShutup     = 0x9fff00
	colorStatus     = 0x0000ff
	colorSetChance  = 0x11ffab
	colorToggle     = 0x23ff67
	colorWhitelist  = 0xffffff
	colorBlacklist  = 0x000000
	colorSetPremise = 0xff77ff
	colorForget     = 0xff7700

	discordErrorMessage     = "Something went wrong, please try again later."
	discordGuildOnlyMessage = "This command can only be used in a server."
	discordUnknownCommand   = "Unknown command."
)

// commandHandler executes a slash command, returning the embed to
// respond with
type commandHandler func(
	s *Shimizu,
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error)

type slashCommand struct {
	definition *discordgo.ApplicationCommand
	handler    commandHandler

	// guildOnly commands read or change a GuildConfig
	guildOnly bool
}

// commandOrder is the order commands are registered and listed by /help
var commandOrder = []string{
	commandHelp,
	commandPing,
	commandReset,
	commandShutup,
	commandStatus,
	commandSetChance,
	commandToggleCompletion,
	commandToggleRawMode,
	commandWhitelist,
	commandBlacklist,
	commandSetPremise,
	commandForget,
}

// slashCommands maps each command name to its definition and handler.
// It's populated in init, as /help refers back to it.
var slashCommands map[string]slashCommand

func init() {
	minPercent := float64(0)
	noDM := false

	guildCommand := func(name, description string, options ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:         name,
			Description:  description,
			Options:      options,
			DMPermission: &noDM,
		}
	}

	slashCommands = map[string]slashCommand{
		commandHelp: {
			definition: &discordgo.ApplicationCommand{
				Name:        commandHelp,
				Description: "Replies with a list of commands.",
			},
			handler: (*Shimizu).commandHelp,
		},
		commandPing: {
			definition: &discordgo.ApplicationCommand{
				Name:        commandPing,
				Description: "Measures the response time of the bot.",
			},
			handler: (*Shimizu).commandPing,
		},
		commandReset: {
			definition: guildCommand(
				commandReset,
				"Resets the chance to respond, completion mode and raw mode to their defaults.",
			),
			handler:   (*Shimizu).commandReset,
			guildOnly: true,
		},
		commandShutup: {
			definition: guildCommand(commandShutup, "Sets the chance to respond randomly to 0%."),
			handler:    (*Shimizu).commandShutup,
			guildOnly:  true,
		},
		commandStatus: {
			definition: guildCommand(commandStatus, "Reports the current settings for this server."),
			handler:    (*Shimizu).commandStatus,
			guildOnly:  true,
		},
		commandSetChance: {
			definition: guildCommand(
				commandSetChance,
				"Sets the chance to respond randomly to a percentage.",
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        optionPercent,
					Description: "The chance to respond, from 0 to 100.",
					Required:    true,
					MinValue:    &minPercent,
					MaxValue:    100,
				},
			),
			handler:   (*Shimizu).commandSetChance,
			guildOnly: true,
		},
		commandToggleCompletion: {
			definition: guildCommand(
				commandToggleCompletion,
				"Toggles completion mode. Messages are continued instead of answered.",
			),
			handler:   (*Shimizu).commandToggleCompletion,
			guildOnly: true,
		},
		commandToggleRawMode: {
			definition: guildCommand(
				commandToggleRawMode,
				"Toggles raw mode. Messages are sent as the prompt, as is.",
			),
			handler:   (*Shimizu).commandToggleRawMode,
			guildOnly: true,
		},
		commandWhitelist: {
			definition: guildCommand(commandWhitelist, "Always respond to messages in this channel."),
			handler:    (*Shimizu).commandWhitelist,
			guildOnly:  true,
		},
		commandBlacklist: {
			definition: guildCommand(commandBlacklist, "Never respond randomly in this channel."),
			handler:    (*Shimizu).commandBlacklist,
			guildOnly:  true,
		},
		commandSetPremise: {
			definition: guildCommand(
				commandSetPremise,
				"Sets how the bot describes itself.",
				&discordgo.ApplicationCommandOption{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        optionPremise,
					Description: "Completes the sentence: \"<bot name> ...\"",
					Required:    true,
					MaxLength:   premiseMaxLength,
				},
			),
			handler:   (*Shimizu).commandSetPremise,
			guildOnly: true,
		},
		commandForget: {
			definition: guildCommand(commandForget, "Forgets the conversation in this channel."),
			handler:    (*Shimizu).commandForget,
			guildOnly:  true,
		},
	}
}

// commandDefinitions returns the application commands to register, in
// commandOrder
func commandDefinitions() []*discordgo.ApplicationCommand {
	defs := make([]*discordgo.ApplicationCommand, 0, len(commandOrder))
	for _, name := range commandOrder {
		defs = append(defs, slashCommands[name].definition)
	}
	return defs
}

// handleInteraction dispatches a slash command to its handler. Handler
// errors are logged and answered with an ephemeral message.
func (s *Shimizu) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	logger := s.discord.logger.With(interactionLogAttrs(*i)...)
	ctx = WithLogger(ctx, logger)

	if s.RuntimeConfig().RecoverPanic {
		defer func() {
			if r := recover(); r != nil {
				handleRecover(ctx, logger, r)
			}
		}()
	}

	name := i.ApplicationCommandData().Name
	cmd, ok := slashCommands[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command")
		s.respondError(ctx, i, discordUnknownCommand)
		return
	}
	if cmd.guildOnly && i.GuildID == "" {
		s.respondError(ctx, i, discordGuildOnlyMessage)
		return
	}

	embed, err := cmd.handler(s, ctx, i)
	if err != nil {
		logger.ErrorContext(ctx, "error executing command", tint.Err(err))
		s.respondError(ctx, i, commandErrorMessage(err))
		return
	}
	if err = s.discord.respondEmbed(i.Interaction, embed); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "executed command")
}

func (s *Shimizu) respondError(ctx context.Context, i *discordgo.InteractionCreate, content string) {
	if err := s.discord.respondEphemeral(i.Interaction, content); err != nil {
		loggerFromContext(ctx, s.logger).ErrorContext(ctx, "error sending error response", tint.Err(err))
	}
}

// commandErrorMessage returns the user-facing message for a command error
func commandErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidChance):
		return "Chance must be between 0 and 100."
	case errors.Is(err, errPremiseRequired):
		return "A premise is required."
	default:
		return discordErrorMessage
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// guildDisplayName returns the guild's stored name, or a generic
// placeholder when it isn't known yet
func guildDisplayName(cfg GuildConfig) string {
	if cfg.GuildName != "" {
		return cfg.GuildName
	}
	return "this server"
}

func statusEmbed(cfg GuildConfig, color int) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("My settings for %s:", guildDisplayName(cfg)),
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Completion mode", Value: onOff(cfg.CompletionMode)},
			{Name: "Raw mode", Value: onOff(cfg.RawMode)},
			{Name: "My chance to respond randomly", Value: fmt.Sprintf("%d%%", chancePercent(cfg.ChanceToRespond))},
		},
	}
}

func (s *Shimizu) commandHelp(
	_ context.Context,
	_ *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	var sb strings.Builder
	if bot := s.botIdentity.Load(); bot != nil && bot.Username != "" {
		fmt.Fprintf(&sb, "**@%s**: guaranteed response to your message.\n", bot.Username)
	}
	for _, def := range commandDefinitions() {
		fmt.Fprintf(&sb, "**/%s** - %s\n", def.Name, def.Description)
	}
	return &discordgo.MessageEmbed{
		Title:       "Commands",
		Description: strings.TrimSpace(sb.String()),
		Color:       colorHelp,
	}, nil
}

func (*Shimizu) commandPing(
	_ context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	var latency time.Duration
	if created, err := discordgo.SnowflakeTimestamp(i.ID); err == nil {
		latency = max(time.Since(created), 0)
	}
	return &discordgo.MessageEmbed{
		Title:       "Pong!",
		Description: fmt.Sprintf("%dms", latency.Milliseconds()),
		Color:       colorPing,
	}, nil
}

func (s *Shimizu) commandReset(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	cfg, err := s.guilds.Reset(ctx, i.GuildID)
	if err != nil {
		return nil, err
	}
	return statusEmbed(cfg, colorReset), nil
}

func (s *Shimizu) commandShutup(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	cfg, err := s.guilds.Shutup(ctx, i.GuildID)
	if err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Chance to respond for %s was set to 0%%", guildDisplayName(cfg)),
		Description: "I will not respond to any messages randomly anymore. :(",
		Color:       colorShutup,
	}, nil
}

func (s *Shimizu) commandStatus(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	cfg, err := s.guilds.Get(ctx, i.GuildID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return statusEmbed(cfg, colorStatus), nil
}

func (s *Shimizu) commandSetChance(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	opt, ok := discordInteractionOptions(i)[optionPercent]
	if !ok {
		return nil, ErrInvalidChance
	}
	cfg, err := s.guilds.SetChance(ctx, i.GuildID, int(opt.IntValue()))
	if err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Chance to respond for %s", guildDisplayName(cfg)),
		Description: fmt.Sprintf("Chance to respond is now: %d%%", chancePercent(cfg.ChanceToRespond)),
		Color:       colorSetChance,
	}, nil
}

func (s *Shimizu) commandToggleCompletion(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	cfg, err := s.guilds.ToggleCompletion(ctx, i.GuildID)
	if err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Completion mode toggled for %s", guildDisplayName(cfg)),
		Description: fmt.Sprintf("Completion mode is now: %s", onOff(cfg.CompletionMode)),
		Color:       colorToggle,
	}, nil
}

func (s *Shimizu) commandToggleRawMode(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	cfg, err := s.guilds.ToggleRaw(ctx, i.GuildID)
	if err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Raw mode toggled for %s", guildDisplayName(cfg)),
		Description: fmt.Sprintf("Raw mode is now: %s", onOff(cfg.RawMode)),
		Color:       colorToggle,
	}, nil
}

// channelName returns the channel's name, or its ID if the channel
// can't be retrieved
func (s *Shimizu) channelName(ctx context.Context, channelID string) string {
	ch, err := s.discord.session.Channel(channelID)
	if err != nil || ch == nil || ch.Name == "" {
		if err != nil {
			loggerFromContext(ctx, s.logger).WarnContext(
				ctx, "error getting channel", "channel_id", channelID, tint.Err(err),
			)
		}
		return channelID
	}
	return ch.Name
}

func (s *Shimizu) commandWhitelist(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	if _, err := s.guilds.AddWhitelist(ctx, i.GuildID, i.ChannelID); err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title: "Whitelist updated",
		Description: fmt.Sprintf(
			"Added channel #%s to the whitelist. Channel ID: %s",
			s.channelName(ctx, i.ChannelID),
			i.ChannelID,
		),
		Color: colorWhitelist,
	}, nil
}

func (s *Shimizu) commandBlacklist(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	if _, err := s.guilds.AddBlacklist(ctx, i.GuildID, i.ChannelID); err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title: "Blacklist updated",
		Description: fmt.Sprintf(
			"Added channel #%s to the blacklist. Channel ID: %s",
			s.channelName(ctx, i.ChannelID),
			i.ChannelID,
		),
		Color: colorBlacklist,
	}, nil
}

func (s *Shimizu) commandSetPremise(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	var premise string
	if opt, ok := discordInteractionOptions(i)[optionPremise]; ok {
		premise = strings.TrimSpace(opt.StringValue())
	}
	cfg, err := s.guilds.SetPremise(ctx, i.GuildID, truncate(premise, premiseMaxLength))
	if err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Premise updated for %s", guildDisplayName(cfg)),
		Description: fmt.Sprintf("%s %s.", cfg.Persona.Name, cfg.Persona.Premise),
		Color:       colorSetPremise,
	}, nil
}

func (s *Shimizu) commandForget(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.MessageEmbed, error) {
	n, err := s.conversations.Clear(ctx, i.ChannelID)
	if err != nil {
		return nil, err
	}
	return &discordgo.MessageEmbed{
		Title:       "Conversation forgotten",
		Description: fmt.Sprintf("Forgot %d messages in this channel.", n),
		Color:       colorForget,
	}, nil
}

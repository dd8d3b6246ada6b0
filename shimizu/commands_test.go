package shimizu

import (
	"context"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommandInteraction(
	t testing.TB,
	guildID string,
	channelID string,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	user := newDiscordUser(t)
	i := &discordgo.Interaction{
		ID:        newSnowflake(),
		AppID:     testApplicationID,
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   guildID,
		ChannelID: channelID,
		Token:     "interaction-token",
		Data: discordgo.ApplicationCommandInteractionData{
			ID:      newSnowflake(),
			Name:    name,
			Options: options,
		},
	}
	if guildID == "" {
		i.User = user
	} else {
		i.Member = &discordgo.Member{User: user}
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

func intOption(name string, v int) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: float64(v),
	}
}

func stringOption(name string, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: v,
	}
}

// runCommand executes the command and returns the response it produced
func runCommand(
	t testing.TB,
	bot *Shimizu,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	t.Helper()
	session := testSession(t, bot)
	before := len(session.Responses())
	bot.handleInteraction(context.Background(), i)
	responses := session.Responses()
	require.Len(t, responses, before+1)
	resp := responses[len(responses)-1]
	require.NotNil(t, resp.Data)
	return resp
}

func requireEmbed(t testing.TB, resp *discordgo.InteractionResponse) *discordgo.MessageEmbed {
	t.Helper()
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	assert.Zero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)
	require.Len(t, resp.Data.Embeds, 1)
	return resp.Data.Embeds[0]
}

func requireEphemeral(t testing.TB, resp *discordgo.InteractionResponse, content string) {
	t.Helper()
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, content, resp.Data.Content)
	assert.Empty(t, resp.Data.Embeds)
}

func TestCommandDefinitions(t *testing.T) {
	t.Parallel()
	defs := commandDefinitions()
	require.Len(t, defs, len(commandOrder))
	for idx, def := range defs {
		assert.Equal(t, commandOrder[idx], def.Name)
		assert.NotEmpty(t, def.Description)

		cmd := slashCommands[def.Name]
		if cmd.guildOnly {
			require.NotNil(t, def.DMPermission, def.Name)
			assert.False(t, *def.DMPermission, def.Name)
		} else {
			assert.Nil(t, def.DMPermission, def.Name)
		}
	}

	var percent *discordgo.ApplicationCommandOption
	for _, opt := range slashCommands[commandSetChance].definition.Options {
		if opt.Name == optionPercent {
			percent = opt
		}
	}
	require.NotNil(t, percent)
	assert.True(t, percent.Required)
	assert.Equal(t, float64(100), percent.MaxValue)
	require.NotNil(t, percent.MinValue)
	assert.Equal(t, float64(0), *percent.MinValue)
}

func TestSlashCommandTable(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	require.Len(t, slashCommands, len(commandOrder))

	for _, name := range commandOrder {
		cmd, ok := slashCommands[name]
		require.True(t, ok, name)
		assert.Equal(t, name, cmd.definition.Name)
		require.NotNil(t, cmd.handler, name)
	}

	embed, err := slashCommands[commandPing].handler(
		bot,
		context.Background(),
		newCommandInteraction(t, testGuildID, testChannelID, commandPing),
	)
	require.NoError(t, err)
	assert.Equal(t, "Pong!", embed.Title)

	embed, err = slashCommands[commandStatus].handler(
		bot,
		context.Background(),
		newCommandInteraction(t, testGuildID, testChannelID, commandStatus),
	)
	require.NoError(t, err)
	assert.Equal(t, colorStatus, embed.Color)
}

func TestCommand_Help(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	for _, guildID := range []string{testGuildID, ""} {
		embed := requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, guildID, testChannelID, commandHelp)))
		assert.Equal(t, "Commands", embed.Title)
		assert.Equal(t, colorHelp, embed.Color)
		assert.True(t, strings.HasPrefix(embed.Description, "**@Shimizu**"))
		for _, name := range commandOrder {
			assert.Contains(t, embed.Description, "**/"+name+"**")
		}
	}
}

func TestCommand_Ping(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	embed := requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, "", testChannelID, commandPing)))
	assert.Equal(t, "Pong!", embed.Title)
	assert.Equal(t, colorPing, embed.Color)
	assert.True(t, strings.HasSuffix(embed.Description, "ms"))
}

func TestCommand_Status(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	embed := requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandStatus)))
	assert.Equal(t, "My settings for this server:", embed.Title)
	assert.Equal(t, colorStatus, embed.Color)
	require.Len(t, embed.Fields, 3)
	assert.Equal(t, "off", embed.Fields[0].Value)
	assert.Equal(t, "off", embed.Fields[1].Value)
	assert.Equal(t, "5%", embed.Fields[2].Value)

	_, err := bot.guilds.Ensure(context.Background(), testGuildID, "Test Guild")
	require.NoError(t, err)
	embed = requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandStatus)))
	assert.Equal(t, "My settings for Test Guild:", embed.Title)
}

func TestCommand_SetChance(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()

	embed := requireEmbed(
		t,
		runCommand(
			t, bot,
			newCommandInteraction(t, testGuildID, testChannelID, commandSetChance, intOption(optionPercent, 50)),
		),
	)
	assert.Equal(t, colorSetChance, embed.Color)
	assert.Equal(t, "Chance to respond is now: 50%", embed.Description)

	cfg, err := bot.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.ChanceToRespond)

	t.Run(
		"out of range", func(t *testing.T) {
			for _, percent := range []int{-1, 101} {
				resp := runCommand(
					t, bot,
					newCommandInteraction(
						t, testGuildID, testChannelID, commandSetChance, intOption(optionPercent, percent),
					),
				)
				requireEphemeral(t, resp, "Chance must be between 0 and 100.")
			}
			cfg, err := bot.guilds.Get(ctx, testGuildID)
			require.NoError(t, err)
			assert.Equal(t, 0.5, cfg.ChanceToRespond)
		},
	)

	t.Run(
		"missing option", func(t *testing.T) {
			resp := runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandSetChance))
			requireEphemeral(t, resp, "Chance must be between 0 and 100.")
		},
	)

	t.Run(
		"boundaries", func(t *testing.T) {
			for _, percent := range []int{0, 100} {
				runCommand(
					t, bot,
					newCommandInteraction(
						t, testGuildID, testChannelID, commandSetChance, intOption(optionPercent, percent),
					),
				)
				cfg, err := bot.guilds.Get(ctx, testGuildID)
				require.NoError(t, err)
				assert.Equal(t, float64(percent)/100, cfg.ChanceToRespond)
			}
		},
	)
}

func TestCommand_Shutup(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	embed := requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandShutup)))
	assert.Equal(t, colorShutup, embed.Color)
	assert.Equal(t, "Chance to respond for this server was set to 0%", embed.Title)

	cfg, err := bot.guilds.Get(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Zero(t, cfg.ChanceToRespond)
}

func TestCommand_Toggles(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()

	embed := requireEmbed(
		t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandToggleCompletion)),
	)
	assert.Equal(t, colorToggle, embed.Color)
	assert.Equal(t, "Completion mode is now: on", embed.Description)

	embed = requireEmbed(
		t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandToggleCompletion)),
	)
	assert.Equal(t, "Completion mode is now: off", embed.Description)

	embed = requireEmbed(
		t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandToggleRawMode)),
	)
	assert.Equal(t, colorToggle, embed.Color)
	assert.Equal(t, "Raw mode is now: on", embed.Description)

	cfg, err := bot.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.False(t, cfg.CompletionMode)
	assert.True(t, cfg.RawMode)
}

func TestCommand_Reset(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()

	_, err := bot.guilds.SetChance(ctx, testGuildID, 90)
	require.NoError(t, err)
	_, err = bot.guilds.ToggleCompletion(ctx, testGuildID)
	require.NoError(t, err)
	_, err = bot.guilds.ToggleRaw(ctx, testGuildID)
	require.NoError(t, err)
	_, err = bot.guilds.AddWhitelist(ctx, testGuildID, testChannelID)
	require.NoError(t, err)
	_, err = bot.guilds.SetPremise(ctx, testGuildID, "is a pirate")
	require.NoError(t, err)

	embed := requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandReset)))
	assert.Equal(t, colorReset, embed.Color)
	require.Len(t, embed.Fields, 3)
	assert.Equal(t, "off", embed.Fields[0].Value)
	assert.Equal(t, "off", embed.Fields[1].Value)
	assert.Equal(t, "5%", embed.Fields[2].Value)

	cfg, err := bot.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, DefaultChanceToRespond, cfg.ChanceToRespond)
	assert.False(t, cfg.CompletionMode)
	assert.False(t, cfg.RawMode)
	assert.True(t, cfg.Whitelist.Contains(testChannelID))
	assert.Equal(t, "is a pirate", cfg.Persona.Premise)
}

func TestCommand_WhitelistBlacklist(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()

	embed := requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandWhitelist)))
	assert.Equal(t, colorWhitelist, embed.Color)
	assert.Equal(
		t,
		"Added channel #general to the whitelist. Channel ID: "+testChannelID,
		embed.Description,
	)

	// unknown channels are shown by ID
	otherChannel := "400000000000000077"
	embed = requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, testGuildID, otherChannel, commandBlacklist)))
	assert.Equal(t, colorBlacklist, embed.Color)
	assert.Equal(
		t,
		"Added channel #"+otherChannel+" to the blacklist. Channel ID: "+otherChannel,
		embed.Description,
	)

	// adding twice doesn't duplicate the channel
	runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandWhitelist))

	cfg, err := bot.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, ChannelSet{testChannelID}, cfg.Whitelist)
	assert.Equal(t, ChannelSet{otherChannel}, cfg.Blacklist)
}

func TestCommand_SetPremise(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()

	embed := requireEmbed(
		t,
		runCommand(
			t, bot,
			newCommandInteraction(
				t, testGuildID, testChannelID, commandSetPremise, stringOption(optionPremise, "  is a pirate  "),
			),
		),
	)
	assert.Equal(t, colorSetPremise, embed.Color)
	assert.Equal(t, "Shimizu is a pirate.", embed.Description)

	cfg, err := bot.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Equal(t, "is a pirate", cfg.Persona.Premise)

	resp := runCommand(
		t, bot,
		newCommandInteraction(t, testGuildID, testChannelID, commandSetPremise, stringOption(optionPremise, "   ")),
	)
	requireEphemeral(t, resp, "A premise is required.")

	long := strings.Repeat("x", premiseMaxLength+50)
	runCommand(
		t, bot,
		newCommandInteraction(t, testGuildID, testChannelID, commandSetPremise, stringOption(optionPremise, long)),
	)
	cfg, err = bot.guilds.Get(ctx, testGuildID)
	require.NoError(t, err)
	assert.Len(t, cfg.Persona.Premise, premiseMaxLength)
}

func TestCommand_Forget(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()

	for _, content := range []string{"one.", "two."} {
		require.NoError(
			t, bot.conversations.Append(
				ctx, &ConversationMessage{ChannelID: testChannelID, Author: "bob", Content: content},
			),
		)
	}
	require.NoError(
		t, bot.conversations.Append(
			ctx, &ConversationMessage{ChannelID: "400000000000000002", Author: "bob", Content: "kept."},
		),
	)

	embed := requireEmbed(t, runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, commandForget)))
	assert.Equal(t, colorForget, embed.Color)
	assert.Equal(t, "Forgot 2 messages in this channel.", embed.Description)

	n, err := bot.conversations.Count(ctx, testChannelID)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = bot.conversations.Count(ctx, "400000000000000002")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCommand_GuildOnlyInDM(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	for name, cmd := range slashCommands {
		if !cmd.guildOnly {
			continue
		}
		resp := runCommand(t, bot, newCommandInteraction(t, "", testChannelID, name))
		requireEphemeral(t, resp, discordGuildOnlyMessage)
	}

	guilds, err := bot.guilds.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, guilds)
}

func TestCommand_Unknown(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	resp := runCommand(t, bot, newCommandInteraction(t, testGuildID, testChannelID, "nope"))
	requireEphemeral(t, resp, discordUnknownCommand)
}

func TestHandleInteraction_IgnoresOtherTypes(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	i := newCommandInteraction(t, testGuildID, testChannelID, commandPing)
	i.Type = discordgo.InteractionMessageComponent
	i.Data = discordgo.MessageComponentInteractionData{CustomID: "button"}
	bot.handleInteraction(context.Background(), i)

	assert.Empty(t, testSession(t, bot).Responses())
}

func TestCommandErrorMessage(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "Chance must be between 0 and 100.", commandErrorMessage(ErrInvalidChance))
	assert.Equal(t, "A premise is required.", commandErrorMessage(errPremiseRequired))
	assert.Equal(t, discordErrorMessage, commandErrorMessage(assert.AnError))
}

package cmd

import (
	"fmt"

	"github.com/soulwax/Shimizu-GPT-3/shimizu"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Shimizu bot and (optionally) the backend API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			bot, err := shimizu.New(cfg)
			if err != nil {
				return fmt.Errorf("error creating bot: %w", err)
			}

			if err = bot.Run(ctx); err != nil {
				return fmt.Errorf("error running bot: %w", err)
			}
			return nil
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool(
		"register-commands",
		false,
		"Overwrite the application's slash commands on startup",
	)
	runCmd.Flags().Bool(
		"api",
		false,
		"Start the backend API server",
	)
	cobra.CheckErr(viper.BindPFlag("discord.register_commands", runCmd.Flags().Lookup("register-commands")))
	cobra.CheckErr(viper.BindPFlag("api.enabled", runCmd.Flags().Lookup("api")))
}

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/soulwax/Shimizu-GPT-3/shimizu"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const maxPasswordAttempts = 3

// passwordReader reads a password without echoing it. Tests replace it.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var (
	initUsername string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DatabaseType == "" {
			return errors.New("SHIMIZU_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"SHIMIZU_DATABASE not set (must be a valid database " +
					"connection string or sqlite file path)",
			)
		}

		db, err := shimizu.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		var runtimeConfig shimizu.RuntimeConfig
		if err = db.Last(&runtimeConfig).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("error retrieving runtime config: %w", err)
			}
			runtimeConfig = shimizu.DefaultRuntimeConfig()
			if err = db.Create(&runtimeConfig).Error; err != nil {
				return fmt.Errorf("error creating runtime config: %w", err)
			}
			fmt.Fprintln(out, "Created runtime config.")
		}

		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" && !initForce {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			username, password, err := promptCredentials(cmd)
			if err != nil {
				return err
			}
			hashedPassword, err := shimizu.HashPassword(password)
			if err != nil {
				return fmt.Errorf("error hashing password: %w", err)
			}
			if err = db.Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				return fmt.Errorf("error updating admin credentials: %w", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptCredentials returns the admin username (from --username, or read
// from the command's input) and a confirmed password.
func promptCredentials(cmd *cobra.Command) (string, string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

	username := strings.TrimSpace(initUsername)
	if username == "" {
		fmt.Fprint(out, "Enter admin username: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", "", fmt.Errorf("error reading username: %w", err)
		}
		username = strings.TrimSpace(line)
	}
	if username == "" {
		return "", "", errors.New("username required")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		}
	}

	for range maxPasswordAttempts {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirmBytes, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}

		password := string(passwordBytes)
		switch {
		case password == "":
			fmt.Fprintln(out, "Password can't be empty. Please try again.")
		case password != string(confirmBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return username, password, nil
		}
	}
	return "", "", errors.New("too many failed password attempts")
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initUsername, "username", "", "Admin username (prompted if not set)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Replace existing admin credentials")
}

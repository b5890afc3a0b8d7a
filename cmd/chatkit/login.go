package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	chatkit "github.com/talentwire/chatkit"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(whoamiCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token and resolve identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var opts []chatkit.ClientOption
		baseURL := cfg.Default.BaseURL
		if v := os.Getenv("CHATKIT_BASE_URL"); v != "" {
			baseURL = v
		}
		if baseURL != "" {
			opts = append(opts, chatkit.WithBaseURL(baseURL))
		}
		client := chatkit.NewClient(token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("could not resolve identity: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = me.UserID
		cfg.Auth.Username = me.Username
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (%s)\n", me.Username, me.UserID)
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the stored identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.UserID == "" {
			fmt.Println("Not logged in. Run 'chatkit login <token>'.")
			return nil
		}
		fmt.Printf("User ID:   %s\n", cfg.Auth.UserID)
		fmt.Printf("Username:  %s\n", cfg.Auth.Username)
		return nil
	},
}

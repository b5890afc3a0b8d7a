package main

import (
	"fmt"
	"os"
	"strconv"

	chatkit "github.com/talentwire/chatkit"
)

// getClient creates a messaging client from config and environment.
// CHATKIT_TOKEN and CHATKIT_BASE_URL override the config file.
func getClient() (*chatkit.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	token := cfg.Auth.Token
	if v := os.Getenv("CHATKIT_TOKEN"); v != "" {
		token = v
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatkit login <token>' first.")
		os.Exit(1)
	}

	var opts []chatkit.ClientOption
	baseURL := cfg.Default.BaseURL
	if v := os.Getenv("CHATKIT_BASE_URL"); v != "" {
		baseURL = v
	}
	if baseURL != "" {
		opts = append(opts, chatkit.WithBaseURL(baseURL))
	}

	return chatkit.NewClient(token, opts...), cfg
}

// clientToken returns the effective bearer token for the realtime channel.
func clientToken(cfg *Config) string {
	if v := os.Getenv("CHATKIT_TOKEN"); v != "" {
		return v
	}
	return cfg.Auth.Token
}

// pageSize returns the configured history page size.
func pageSize(cfg *Config) int {
	if cfg.Default.PageSize > 0 {
		return cfg.Default.PageSize
	}
	return chatkit.DefaultPageSize
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("not a positive integer: %q", s)
	}
	return n, nil
}

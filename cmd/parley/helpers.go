package main

import (
	"fmt"
	"os"

	"github.com/parley-im/parley-go"
)

// getClient constructs an SDK client from the stored configuration. It exits
// the process when no user id is configured, pointing the user at `init`.
func getClient() *parley.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "Error: no user id configured. Run 'parley init <user-id>' first.")
		os.Exit(1)
	}

	opts := []parley.ClientOption{}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, parley.WithBaseURL(cfg.Default.BaseURL))
	}
	return parley.NewClient(cfg.Default.UserID, opts...)
}

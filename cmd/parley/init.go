package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Initialize the CLI with your user id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Default.UserID = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Parley server base URL")
	rootCmd.AddCommand(initCmd)
}

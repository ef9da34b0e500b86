package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage conversations",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		chats, err := client.ListChats(ctx)
		if err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, c := range chats {
			fmt.Printf("%s\t%s\n", c.ChatID, strings.Join(c.Participants, ", "))
		}
		return nil
	},
}

var chatsCreateCmd = &cobra.Command{
	Use:   "create <participant> [participant...]",
	Short: "Create a new conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		chat, err := client.CreateChat(ctx, args)
		if err != nil {
			return err
		}
		fmt.Printf("Created conversation %s\n", chat.ChatID)
		return nil
	},
}

func init() {
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsCreateCmd)
	rootCmd.AddCommand(chatsCmd)
}

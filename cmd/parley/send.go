package main

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-im/parley-go"
	"github.com/spf13/cobra"
)

var sendKind string

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <content>",
	Short: "Send a message to a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		store := client.NewStore()
		dispatcher := client.NewDispatcher(store)

		kind := parley.MessageKind(sendKind)
		switch kind {
		case parley.MessageText, parley.MessageImage, parley.MessageAudio:
		default:
			return fmt.Errorf("unknown message kind %q (valid: text, image, audio)", sendKind)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ack, err := dispatcher.Send(ctx, args[0], "", kind, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Sent message %s\n", ack.Message.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendKind, "kind", "text", "message kind: text, image, or audio")
	rootCmd.AddCommand(sendCmd)
}

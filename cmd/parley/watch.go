package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/parley-im/parley-go"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Watch a conversation live",
	Long:  "Stream messages and typing activity for a conversation until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		client := getClient()
		store := client.NewStore()
		session := client.NewSession(store)
		defer session.Close()

		session.OnTransportError(func(err *parley.APIError) {
			fmt.Fprintf(os.Stderr, "! connection lost, retrying: %v\n", err)
		})
		session.OnPeerStatusChanged(func(userID string, typing bool) {
			if typing {
				fmt.Printf("... %s is typing\n", userID)
			}
		})
		store.OnFetchError(func(key string, err error) {
			fmt.Fprintf(os.Stderr, "! refresh failed for %s: %v\n", key, err)
		})

		// Print only messages that arrived since the last snapshot.
		var mu sync.Mutex
		printed := 0
		store.Subscribe(parley.MessagesKey(chatID), func() {
			mu.Lock()
			defer mu.Unlock()
			msgs := store.Messages(chatID)
			for ; printed < len(msgs); printed++ {
				m := msgs[printed]
				fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.UserID, m.Content)
			}
		})

		session.Select(chatID)
		fmt.Printf("Watching %s (Ctrl-C to stop)\n", chatID)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("\nStopped.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

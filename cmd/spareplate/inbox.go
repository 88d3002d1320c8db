package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	spareplate "github.com/spareplate/spareplate-go"
	"github.com/spf13/cobra"
)

var inboxJSON bool

func init() {
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "output raw JSON")
	rootCmd.AddCommand(inboxCmd)
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List your conversations",
	Long:  "Fetch the conversation list, most recently active first. Locally deleted conversations are hidden.",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(false)
		client, cfg := getClient(log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		registry := spareplate.NewRegistry(log)
		store := spareplate.NewConversationStore(client, registry, getStorage(), cfg.Auth.UserID, nil)
		if err := store.FetchConversations(ctx); err != nil {
			return fmt.Errorf("failed to fetch conversations: %w", err)
		}

		convs := store.Conversations()
		if inboxJSON {
			out, err := json.MarshalIndent(convs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		if len(convs) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}

		for _, c := range convs {
			name := "Unknown"
			if other := c.Other(cfg.Auth.UserID); other != nil {
				name = other.DisplayName
			}
			line := fmt.Sprintf("%-8s %-20s [%s]", c.ID, name, c.Status)
			if c.Item != nil {
				line += "  re: " + c.Item.Title
			}
			if last := c.LastMessage(); last != nil {
				preview := last.Content
				if len(preview) > 40 {
					preview = preview[:40] + "…"
				}
				line += fmt.Sprintf("  %s (%s)", preview, formatWhen(last.CreatedAt))
			}
			fmt.Println(line)
		}
		return nil
	},
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	spareplate "github.com/spareplate/spareplate-go"
	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "messages per page")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(acceptCmd)
	rootCmd.AddCommand(deleteCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Show a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(false)
		client, cfg := getClient(log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		registry := spareplate.NewRegistry(log)
		tr := spareplate.NewTranscript(client, registry, nil, getStorage(), cfg.Auth.UserID,
			spareplate.ID(args[0]), &spareplate.TranscriptOptions{PageSize: historyLimit, Logger: log})
		if err := tr.FetchPage(ctx, ""); err != nil {
			return fmt.Errorf("failed to fetch transcript: %w", err)
		}

		msgs := tr.Messages()
		// Print oldest first for reading top to bottom.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			who := m.SenderID
			if who == cfg.Auth.UserID {
				who = "me"
			}
			body := m.Content
			if m.Type != spareplate.MessageText {
				body = fmt.Sprintf("[%s message]", m.Type)
			}
			fmt.Printf("%s  %-12s %s\n", formatWhen(m.CreatedAt), who, body)
		}
		if tr.HasMore() {
			fmt.Println("… older history available")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(false)
		client, cfg := getClient(log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		registry := spareplate.NewRegistry(log)
		tr := spareplate.NewTranscript(client, registry, nil, getStorage(), cfg.Auth.UserID,
			spareplate.ID(args[0]), &spareplate.TranscriptOptions{Logger: log})
		if err := tr.FetchPage(ctx, ""); err != nil {
			return fmt.Errorf("failed to fetch conversation: %w", err)
		}

		msg, err := tr.Send(ctx, args[1])
		if err != nil {
			if errors.Is(err, spareplate.ErrPendingAcceptance) {
				return fmt.Errorf("this conversation is still pending; run 'spareplate accept %s' first", args[0])
			}
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent message %s\n", msg.ID)
		return nil
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <conversation-id>",
	Short: "Accept a pending conversation request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(false)
		client, cfg := getClient(log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		registry := spareplate.NewRegistry(log)
		tr := spareplate.NewTranscript(client, registry, nil, getStorage(), cfg.Auth.UserID,
			spareplate.ID(args[0]), &spareplate.TranscriptOptions{Logger: log})
		if err := tr.Accept(ctx); err != nil {
			return fmt.Errorf("accept failed: %w", err)
		}
		fmt.Println("Conversation accepted.")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation from your inbox",
	Long:  "Ask the server to delete the conversation; when the server does not support deletion, the conversation is hidden locally. The other participant's view is unaffected.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(false)
		client, cfg := getClient(log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		registry := spareplate.NewRegistry(log)
		store := spareplate.NewConversationStore(client, registry, getStorage(), cfg.Auth.UserID, nil)
		if err := store.DeleteConversation(ctx, spareplate.ID(args[0])); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Println("Conversation removed from your inbox.")
		return nil
	},
}

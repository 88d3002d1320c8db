package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	spareplate "github.com/spareplate/spareplate-go"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream incoming messages in realtime",
	Long:  "Connect to the realtime channel and print new messages and conversation starts as they arrive. The REST poller keeps running as a fallback, so events still show up when the socket is down.",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(watchVerbose)
		client, cfg := getClient(log)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		registry := spareplate.NewRegistry(log)

		registry.SubscribeNewMessage(func(ev spareplate.NewMessageEvent) {
			who := ev.SenderID()
			if ev.Sender != nil && ev.Sender.DisplayName != "" {
				who = ev.Sender.DisplayName
			}
			body := ev.Message.Content
			if ev.Message.Type != spareplate.MessageText {
				body = fmt.Sprintf("[%s message]", ev.Message.Type)
			}
			fmt.Printf("[%s] %s: %s\n", ev.ConvID(), who, body)
		})
		registry.SubscribeConversationStarted(func(ev spareplate.ConversationStartedEvent) {
			name := "someone"
			if other := ev.Conversation.Other(cfg.Auth.UserID); other != nil && other.DisplayName != "" {
				name = other.DisplayName
			}
			fmt.Printf("[%s] conversation started by %s\n", ev.Conversation.ID, name)
		})

		rt := spareplate.NewRealtimeClient(client.BaseURL(), registry, &spareplate.RealtimeOptions{Logger: log})
		rt.OnConnect(func() { fmt.Println("-- live --") })
		rt.OnDisconnect(func(reason string) { fmt.Printf("-- offline (%s), reconnecting --\n", reason) })

		store := spareplate.NewConversationStore(client, registry, getStorage(), cfg.Auth.UserID, &spareplate.StoreOptions{Logger: log})
		store.Start(ctx)
		defer store.Close()

		if err := rt.Connect(ctx, cfg.Auth.UserID); err != nil {
			fmt.Printf("-- offline, retrying in background --\n")
		}
		defer rt.Disconnect()

		for _, c := range store.Conversations() {
			rt.JoinConversation(c.ID)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		fmt.Println("bye")
		return nil
	},
}

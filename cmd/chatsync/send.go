package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/realtime"
)

func sendCmd() *cobra.Command {
	var roomID int64

	cmd := &cobra.Command{
		Use:   "send --room ID MESSAGE...",
		Short: "Publish a text message to a room",
		Long: `Publish a text message to a room over the realtime connection.

The message is not echoed locally; it appears once the server broadcasts
it on the room channel.

Examples:
  chatsync send --room 42 hello there`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if roomID == 0 {
				return fmt.Errorf("--room is required")
			}
			content := strings.Join(args, " ")

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Reconnect.HandshakeTimeout+cfg.Reconnect.MaxDelay)
			defer cancel()

			a.conn.Connect()
			if err := a.waitConnected(ctx); err != nil {
				return err
			}

			if !realtime.NewPublisher(a.conn).Send(roomID, content) {
				return fmt.Errorf("room %d: %w", roomID, realtime.ErrNotConnected)
			}

			logger.Info("message sent", zap.Int64("room_id", roomID), zap.Int("length", len(content)))
			return nil
		},
	}

	cmd.Flags().Int64Var(&roomID, "room", 0, "room id to publish to")

	return cmd
}

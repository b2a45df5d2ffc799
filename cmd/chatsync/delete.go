package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func deleteCmd() *cobra.Command {
	var roomID, messageID int64

	cmd := &cobra.Command{
		Use:   "delete --room ID --message ID",
		Short: "Soft-delete a message",
		Long: `Soft-delete a message through the CRUD API. Listening clients see the
deletion when the server broadcasts it on the room channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if roomID == 0 || messageID == 0 {
				return fmt.Errorf("--room and --message are required")
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.api.DeleteMessage(cmd.Context(), roomID, messageID); err != nil {
				return err
			}
			logger.Info("message deleted", zap.Int64("room_id", roomID), zap.Int64("message_id", messageID))
			return nil
		},
	}

	cmd.Flags().Int64Var(&roomID, "room", 0, "room id")
	cmd.Flags().Int64Var(&messageID, "message", 0, "message id")

	return cmd
}

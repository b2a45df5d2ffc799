package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/chatsync/internal/chat"
	"github.com/dgnsrekt/chatsync/internal/data"
)

func roomsCmd() *cobra.Command {
	var (
		unreadOnly bool
		pages      int
	)

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List chat rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			key := data.RoomListKey{PageSize: cfg.Chat.PageSize}
			if unreadOnly {
				key.Filter = chat.FilterUnread
			}
			if _, err := a.loader.LoadRooms(ctx, key); err != nil {
				return err
			}
			for i := 1; i < pages; i++ {
				more, err := a.loader.LoadMoreRooms(ctx, key)
				if err != nil {
					return err
				}
				if !more {
					break
				}
			}

			list, _ := a.cache.RoomList(key)
			out := &printer{w: os.Stdout}
			for _, page := range list.Pages {
				for _, r := range page.Items {
					out.room(r, r.UnreadCount)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "only rooms with unread messages")
	cmd.Flags().IntVar(&pages, "pages", 1, "number of pages to fetch")

	return cmd
}

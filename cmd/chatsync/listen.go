package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/chat"
	"github.com/dgnsrekt/chatsync/internal/data"
)

// followInterval is how often the terminal, which always shows the newest
// line, reports itself scrolled to the bottom.
const followInterval = time.Second

func listenCmd() *cobra.Command {
	var (
		roomID int64
		userID int64
		inbox  bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Follow a room or the inbox in realtime",
		Long: `Follow a chat room (--room) or the room list (--inbox) in realtime.

Examples:
  # Follow room 42 and acknowledge what is printed
  chatsync listen --room 42 --user 7

  # Follow the inbox of user 7
  chatsync listen --inbox --user 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if inbox == (roomID != 0) {
				return fmt.Errorf("exactly one of --room or --inbox is required")
			}
			if inbox && userID == 0 {
				return fmt.Errorf("--inbox requires --user")
			}

			out := &printer{w: os.Stdout}
			a, err := newApp(cfg, logger, out)
			if err != nil {
				return err
			}
			defer a.close()

			waitDebug := a.serveDebug(ctx)
			defer waitDebug()

			a.conn.Connect()

			if inbox {
				return listenInbox(ctx, a, out, userID)
			}
			return listenRoom(ctx, a, out, roomID, userID)
		},
	}

	cmd.Flags().Int64Var(&roomID, "room", 0, "room id to follow")
	cmd.Flags().Int64Var(&userID, "user", 0, "user id for room-list notifications")
	cmd.Flags().BoolVar(&inbox, "inbox", false, "follow the room list instead of a room")

	return cmd
}

func listenRoom(ctx context.Context, a *app, out *printer, roomID, userID int64) error {
	view, err := chat.OpenRoom(ctx, a.deps(), a.api.AckRead, chat.RoomOptions{
		RoomID:          roomID,
		UserID:          userID,
		PageSize:        a.cfg.Chat.PageSize,
		ScrollThreshold: a.cfg.Chat.ScrollThreshold,
		Render:          out.message,
	})
	if err != nil {
		return err
	}
	defer view.Close()

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping", zap.Int64("room_id", roomID))
			return nil
		case <-ticker.C:
			view.OnScroll(0)
		}
	}
}

func listenInbox(ctx context.Context, a *app, out *printer, userID int64) error {
	key := data.RoomListKey{PageSize: a.cfg.Chat.PageSize}
	in, err := chat.OpenInbox(ctx, a.deps(), userID, key)
	if err != nil {
		return err
	}
	defer in.Close()

	for _, r := range in.Rooms() {
		out.room(r, a.unread.Count(r.RoomID))
	}
	out.watchUnread(a.unread.Count)

	<-ctx.Done()
	return nil
}

// printer renders chat output on stdout. It also receives reconciled
// events so the inbox can print notifications as they arrive.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	unread func(roomID int64) int
}

func (p *printer) message(m data.ChatMessage, updated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := m.CreatedAt.Local().Format("15:04:05")
	sender := m.SenderName
	if sender == "" {
		sender = fmt.Sprintf("user-%d", m.SenderID)
	}

	switch {
	case m.IsDeleted:
		fmt.Fprintf(p.w, "%s  #%d %s: (deleted)\n", ts, m.MessageID, sender)
	case m.Content == nil:
		fmt.Fprintf(p.w, "%s  #%d %s: [%s]\n", ts, m.MessageID, sender, m.Type)
	case updated:
		fmt.Fprintf(p.w, "%s  #%d %s (edited): %s\n", ts, m.MessageID, sender, *m.Content)
	default:
		fmt.Fprintf(p.w, "%s  #%d %s: %s\n", ts, m.MessageID, sender, *m.Content)
	}
}

func (p *printer) room(r data.RoomSummary, unread int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	preview := ""
	if r.LastMessageContent != nil {
		preview = *r.LastMessageContent
	}
	fmt.Fprintf(p.w, "[%d] %-24s unread=%-3d %s\n", r.RoomID, r.Title, unread, preview)
}

func (p *printer) watchUnread(count func(roomID int64) int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unread = count
}

// Emit implements chat.EventSink.
func (p *printer) Emit(kind string, payload any) {
	ev, ok := payload.(chat.Event)
	if !ok || kind != chat.EventRoomNotification {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unread == nil {
		return
	}
	fmt.Fprintf(p.w, "room %d has new activity (unread=%d)\n", ev.RoomID, p.unread(ev.RoomID))
}

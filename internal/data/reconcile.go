package data

import (
	"sort"
	"time"
)

// PatchRoomList returns list with every summary of n.RoomID carrying the
// notification's preview, and whether any summary matched. Pages without
// a match are shared with the input; the input is never modified.
func PatchRoomList(list RoomList, n RoomNotification) (RoomList, bool) {
	var pages []RoomListPage
	found := false

	for pi, page := range list.Pages {
		var items []RoomSummary
		for i, room := range page.Items {
			if room.RoomID != n.RoomID {
				continue
			}
			if items == nil {
				items = append([]RoomSummary(nil), page.Items...)
			}
			room.LastMessageContent = n.LastMessageContent
			room.LastMessageAt = n.LastMessageAt
			items[i] = room
		}
		if items == nil {
			continue
		}
		if pages == nil {
			pages = append([]RoomListPage(nil), list.Pages...)
		}
		page.Items = items
		pages[pi] = page
		found = true
	}

	if !found {
		return list, false
	}
	return RoomList{Pages: pages}, true
}

// InsertMessage adds msg to the newest page unless a message with the same
// id is already loaded on any page. Pages[0] stays ascending, so a message
// arriving in order is appended at the end.
func InsertMessage(list MessageList, msg ChatMessage) (MessageList, bool) {
	if _, _, ok := findMessage(list, msg.MessageID); ok {
		return list, false
	}

	pages := append([]MessagePage(nil), list.Pages...)
	if len(pages) == 0 {
		pages = append(pages, MessagePage{})
	}

	first := pages[0]
	i := sort.Search(len(first.Items), func(i int) bool {
		return first.Items[i].MessageID > msg.MessageID
	})
	items := make([]ChatMessage, 0, len(first.Items)+1)
	items = append(items, first.Items[:i]...)
	items = append(items, msg)
	items = append(items, first.Items[i:]...)
	first.Items = items
	pages[0] = first

	return MessageList{Pages: pages}, true
}

// ReplaceMessage swaps in msg for the loaded message with the same id,
// keeping its position. It reports false when the id is not loaded or the
// message is unchanged.
func ReplaceMessage(list MessageList, msg ChatMessage) (MessageList, bool) {
	pi, i, ok := findMessage(list, msg.MessageID)
	if !ok || sameMessage(list.Pages[pi].Items[i], msg) {
		return list, false
	}

	pages := append([]MessagePage(nil), list.Pages...)
	page := pages[pi]
	items := append([]ChatMessage(nil), page.Items...)
	items[i] = msg
	page.Items = items
	pages[pi] = page

	return MessageList{Pages: pages}, true
}

// AppendOlderPage adds a page fetched with the list's last cursor.
// Messages already loaded are dropped from it.
func AppendOlderPage(list MessageList, page MessagePage) MessageList {
	items := make([]ChatMessage, 0, len(page.Items))
	for _, m := range page.Items {
		if _, _, ok := findMessage(list, m.MessageID); !ok {
			items = append(items, m)
		}
	}
	page.Items = items

	pages := make([]MessagePage, 0, len(list.Pages)+1)
	pages = append(pages, list.Pages...)
	pages = append(pages, page)
	return MessageList{Pages: pages}
}

// DisplayOrder flattens list oldest first: pages in reverse, items in
// page order.
func DisplayOrder(list MessageList) []ChatMessage {
	n := 0
	for _, p := range list.Pages {
		n += len(p.Items)
	}
	out := make([]ChatMessage, 0, n)
	for pi := len(list.Pages) - 1; pi >= 0; pi-- {
		out = append(out, list.Pages[pi].Items...)
	}
	return out
}

// NewestMessageID returns the highest loaded message id.
func NewestMessageID(list MessageList) (int64, bool) {
	var newest int64
	found := false
	for _, p := range list.Pages {
		for _, m := range p.Items {
			if !found || m.MessageID > newest {
				newest = m.MessageID
				found = true
			}
		}
	}
	return newest, found
}

// NextCursor returns the cursor for the next older page.
func (l MessageList) NextCursor() (string, bool) {
	if len(l.Pages) == 0 {
		return "", true
	}
	last := l.Pages[len(l.Pages)-1]
	return last.NextCursor, last.HasNext
}

// NextCursor returns the cursor for the next room-list page.
func (l RoomList) NextCursor() (string, bool) {
	if len(l.Pages) == 0 {
		return "", true
	}
	last := l.Pages[len(l.Pages)-1]
	return last.NextCursor, last.HasNext
}

func findMessage(list MessageList, id int64) (page, index int, ok bool) {
	for pi, p := range list.Pages {
		for i, m := range p.Items {
			if m.MessageID == id {
				return pi, i, true
			}
		}
	}
	return 0, 0, false
}

func sameMessage(a, b ChatMessage) bool {
	return a.IsDeleted == b.IsDeleted &&
		equalPtr(a.Content, b.Content) &&
		equalPtr(a.AttachmentRef, b.AttachmentRef) &&
		equalTimePtr(a.EditedAt, b.EditedAt)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

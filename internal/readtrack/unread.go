package readtrack

import (
	"sort"
	"sync"
)

// Unread counts messages that arrived for rooms the user is not viewing.
// It is what badge UIs consume.
type Unread struct {
	mu     sync.RWMutex
	counts map[int64]int
	open   map[int64]int
}

func NewUnread() *Unread {
	return &Unread{
		counts: make(map[int64]int),
		open:   make(map[int64]int),
	}
}

// Seed sets a room's count from the server's room list.
func (u *Unread) Seed(roomID int64, count int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if count <= 0 {
		delete(u.counts, roomID)
		return
	}
	u.counts[roomID] = count
}

// Opened marks a room as on screen; it does not accumulate while open.
func (u *Unread) Opened(roomID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open[roomID]++
	delete(u.counts, roomID)
}

// Closed reverses Opened.
func (u *Unread) Closed(roomID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.open[roomID] <= 1 {
		delete(u.open, roomID)
		return
	}
	u.open[roomID]--
}

// Increment counts one new message for roomID unless the room is open. It
// returns the new count.
func (u *Unread) Increment(roomID int64) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.open[roomID] > 0 {
		return 0
	}
	u.counts[roomID]++
	return u.counts[roomID]
}

// Clear resets roomID, typically after its read position is acknowledged.
func (u *Unread) Clear(roomID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.counts, roomID)
}

// Count returns the unread count of roomID.
func (u *Unread) Count(roomID int64) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.counts[roomID]
}

// Total returns the sum over all rooms.
func (u *Unread) Total() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	total := 0
	for _, n := range u.counts {
		total += n
	}
	return total
}

// RoomCount is one entry of Snapshot.
type RoomCount struct {
	RoomID int64 `json:"roomId"`
	Count  int   `json:"count"`
}

// Snapshot returns every non-zero count ordered by room id.
func (u *Unread) Snapshot() []RoomCount {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]RoomCount, 0, len(u.counts))
	for id, n := range u.counts {
		out = append(out, RoomCount{RoomID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

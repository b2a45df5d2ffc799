package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/data"
	"github.com/dgnsrekt/chatsync/internal/readtrack"
	"github.com/dgnsrekt/chatsync/internal/realtime"
)

// StatsSource is the part of realtime.Manager the status endpoint reads.
type StatsSource interface {
	Stats() realtime.Stats
}

type Server struct {
	conn   StatsSource
	cache  *data.Cache
	unread *readtrack.Unread
	logger *zap.Logger
}

func NewServer(conn StatsSource, cache *data.Cache, unread *readtrack.Unread, logger *zap.Logger) *Server {
	return &Server{
		conn:   conn,
		cache:  cache,
		unread: unread,
		logger: logger,
	}
}

// StatusResponse is the body of GET /status and the SSE snapshot.
type StatusResponse struct {
	Connection  realtime.Stats        `json:"connection"`
	Unread      []readtrack.RoomCount `json:"unread"`
	UnreadTotal int                   `json:"unreadTotal"`
}

type roomListResponse struct {
	PageSize int                `json:"pageSize"`
	Filter   string             `json:"filter,omitempty"`
	Rooms    []data.RoomSummary `json:"rooms"`
	HasNext  bool               `json:"hasNext"`
}

type messageListResponse struct {
	PageSize int                `json:"pageSize"`
	Messages []data.ChatMessage `json:"messages"`
	HasNext  bool               `json:"hasNext"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Status builds the current StatusResponse.
func (s *Server) Status() StatusResponse {
	return StatusResponse{
		Connection:  s.conn.Stats(),
		Unread:      s.unread.Snapshot(),
		UnreadTotal: s.unread.Total(),
	}
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Status())
}

// GetRooms returns every cached room-list variant.
func (s *Server) GetRooms(w http.ResponseWriter, r *http.Request) {
	keys := s.cache.RoomListKeys()
	out := make([]roomListResponse, 0, len(keys))
	for _, key := range keys {
		list, ok := s.cache.RoomList(key)
		if !ok {
			continue
		}
		rooms := make([]data.RoomSummary, 0)
		for _, page := range list.Pages {
			rooms = append(rooms, page.Items...)
		}
		_, more := list.NextCursor()
		out = append(out, roomListResponse{PageSize: key.PageSize, Filter: key.Filter, Rooms: rooms, HasNext: more})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// GetMessages returns every cached message list of a room, oldest
// message first.
func (s *Server) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseInt(chi.URLParam(r, "roomID"), 10, 64)
	if err != nil || roomID <= 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid room id"})
		return
	}

	keys := s.cache.MessageKeys(roomID)
	if len(keys) == 0 {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "room " + strconv.FormatInt(roomID, 10) + " not cached"})
		return
	}

	out := make([]messageListResponse, 0, len(keys))
	for _, key := range keys {
		list, ok := s.cache.Messages(key)
		if !ok {
			continue
		}
		_, more := list.NextCursor()
		out = append(out, messageListResponse{
			PageSize: key.PageSize,
			Messages: data.DisplayOrder(list),
			HasNext:  more,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

package devbroker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/pfwidget/pkg/chat"
)

// Room holds the websocket connections joined to one chat. All writes to a
// member connection go through the room so they never interleave.
type Room struct {
	chatID       chat.ID
	mu           sync.Mutex
	conns        map[*websocket.Conn]struct{}
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

func NewRoom(chatID chat.ID, writeTimeout, idleTimeout time.Duration, onIdle func()) *Room {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Room{
		chatID:       chatID,
		conns:        map[*websocket.Conn]struct{}{},
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (r *Room) Add(conn *websocket.Conn) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.stopIdleTimerLocked()
	r.mu.Unlock()
}

// Detach removes conn without closing it, e.g. when it joins another chat.
func (r *Room) Detach(conn *websocket.Conn) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, conn)
	r.scheduleIdleTimerLocked()
	r.mu.Unlock()
}

// Remove detaches and closes conn.
func (r *Room) Remove(conn *websocket.Conn) {
	r.Detach(conn)
	_ = closeConn(conn)
}

func (r *Room) Broadcast(data []byte) {
	if r == nil || len(data) == 0 {
		return
	}
	r.mu.Lock()
	for conn := range r.conns {
		if err := r.writeLocked(conn, data); err != nil {
			log.Warn().Err(err).Str("component", "devbroker").Int64("chat_id", int64(r.chatID)).Msg("ws broadcast failed, dropping connection")
			delete(r.conns, conn)
			_ = closeConn(conn)
		}
	}
	r.scheduleIdleTimerLocked()
	r.mu.Unlock()
}

func (r *Room) SendToOne(conn *websocket.Conn, data []byte) {
	if r == nil || conn == nil || len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn]; !ok {
		return
	}
	if err := r.writeLocked(conn, data); err != nil {
		log.Warn().Err(err).Str("component", "devbroker").Int64("chat_id", int64(r.chatID)).Msg("ws send failed, dropping connection")
		delete(r.conns, conn)
		_ = closeConn(conn)
		r.scheduleIdleTimerLocked()
	}
}

func (r *Room) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Room) IsEmpty() bool {
	return r.Count() == 0
}

func (r *Room) CloseAll() {
	if r == nil {
		return
	}
	r.mu.Lock()
	for conn := range r.conns {
		_ = closeConn(conn)
		delete(r.conns, conn)
	}
	r.stopIdleTimerLocked()
	r.mu.Unlock()
}

func (r *Room) writeLocked(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Room) stopIdleTimerLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *Room) scheduleIdleTimerLocked() {
	if len(r.conns) != 0 || r.idleTimeout <= 0 || r.onIdle == nil {
		r.stopIdleTimerLocked()
		return
	}
	r.stopIdleTimerLocked()
	r.idleTimer = time.AfterFunc(r.idleTimeout, r.triggerIdle)
}

func (r *Room) triggerIdle() {
	if r == nil {
		return
	}
	var callback func()
	r.mu.Lock()
	if len(r.conns) == 0 {
		callback = r.onIdle
	}
	r.idleTimer = nil
	r.mu.Unlock()
	if callback != nil {
		callback()
	}
}

func closeConn(conn *websocket.Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Hub maps chat ids to rooms. Empty rooms are dropped after idleTimeout.
type Hub struct {
	mu           sync.Mutex
	rooms        map[chat.ID]*Room
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

func NewHub(writeTimeout, idleTimeout time.Duration) *Hub {
	return &Hub{
		rooms:        map[chat.ID]*Room{},
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}
}

// Join adds conn to the room of chatID, creating the room if needed.
func (h *Hub) Join(chatID chat.ID, conn *websocket.Conn) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[chatID]
	if !ok {
		var created *Room
		created = NewRoom(chatID, h.writeTimeout, h.idleTimeout, func() { h.evict(chatID, created) })
		room = created
		h.rooms[chatID] = room
	}
	room.Add(conn)
	return room
}

func (h *Hub) Room(chatID chat.ID) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[chatID]
}

func (h *Hub) Broadcast(chatID chat.ID, data []byte) {
	room := h.Room(chatID)
	if room == nil {
		log.Debug().Str("component", "devbroker").Int64("chat_id", int64(chatID)).Msg("no listeners for chat")
		return
	}
	room.Broadcast(data)
}

func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for id, r := range h.rooms {
		rooms = append(rooms, r)
		delete(h.rooms, id)
	}
	h.mu.Unlock()
	for _, r := range rooms {
		r.CloseAll()
	}
}

func (h *Hub) evict(chatID chat.ID, room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[chatID] == room && room.IsEmpty() {
		delete(h.rooms, chatID)
		log.Debug().Str("component", "devbroker").Int64("chat_id", int64(chatID)).Msg("evicted idle room")
	}
}

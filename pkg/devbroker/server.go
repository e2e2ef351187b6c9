// Package devbroker is a small stand-in for the Chat API and real-time
// broker the widget talks to. It creates or resumes chats by external id,
// echoes visitor messages to the chat room, announces typing and posts a
// canned reply while the chat is in AI mode, and lets an operator take a
// chat over. Events reach websocket rooms through a Watermill bus so several
// broker processes can share rooms over Redis Streams.
package devbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/pfwidget/pkg/chat"
	"github.com/go-go-golems/pfwidget/pkg/chatapi"
	"github.com/go-go-golems/pfwidget/pkg/protocol"
	"github.com/go-go-golems/pfwidget/pkg/redisstream"
)

const metadataChatID = "chat_id"

// Status change notices posted into the chat as operator messages.
var statusNotices = map[chat.Status]string{
	chat.StatusHuman: "An operator has joined the conversation. The assistant is paused.",
	chat.StatusAI:    "The assistant is active again.",
	chat.StatusDone:  "The conversation has been closed.",
}

// Responder produces the assistant reply for a visitor message.
type Responder func(ctx context.Context, rec ChatRecord, content string) string

// FixedReply answers every message with text, or echoes the message when
// text is empty.
func FixedReply(text string) Responder {
	return func(_ context.Context, _ ChatRecord, content string) string {
		if text == "" {
			return "You said: " + content
		}
		return text
	}
}

type Options struct {
	Store     Store
	PubSub    *redisstream.PubSub
	Responder Responder
	// ReplyDelay separates typing_start from the reply on the live path.
	ReplyDelay      time.Duration
	WriteTimeout    time.Duration
	RoomIdleTimeout time.Duration
}

type Server struct {
	store      Store
	pubsub     *redisstream.PubSub
	respond    Responder
	replyDelay time.Duration
	hub        *Hub
	upgrader   websocket.Upgrader

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("devbroker: store is required")
	}
	if opts.PubSub == nil || opts.PubSub.Publisher == nil || opts.PubSub.Subscriber == nil {
		return nil, errors.New("devbroker: pubsub is required")
	}
	if opts.Responder == nil {
		opts.Responder = FixedReply("")
	}
	if opts.RoomIdleTimeout <= 0 {
		opts.RoomIdleTimeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:      opts.Store,
		pubsub:     opts.PubSub,
		respond:    opts.Responder,
		replyDelay: opts.ReplyDelay,
		hub:        NewHub(opts.WriteTimeout, opts.RoomIdleTimeout),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Handler serves the Chat API and the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chats/{$}", s.handleOpenChat)
	mux.HandleFunc("POST /chats/send", s.handleSend)
	mux.HandleFunc("GET /chats/{id}", s.handleGetChat)
	mux.HandleFunc("POST /chats/{id}/messages", s.handleOperatorMessage)
	mux.HandleFunc("PUT /chats/{id}/status", s.handleSetStatus)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return withCORS(mux)
}

// Start subscribes to the event bus and begins fanning events out to rooms.
// The subscription is established before Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("devbroker: server closed")
	}
	if s.started {
		return nil
	}
	ch, err := s.pubsub.Subscriber.Subscribe(s.ctx, s.pubsub.Topic)
	if err != nil {
		return errors.Wrap(err, "devbroker: subscribe")
	}
	s.started = true
	s.wg.Add(1)
	go s.consume(ch)
	log.Info().Str("component", "devbroker").Str("topic", s.pubsub.Topic).Msg("event fan-out started")
	return nil
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Start(); err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "devbroker").Str("addr", addr).Msg("broker listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "devbroker: serve")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	return eg.Wait()
}

// Close stops fan-out, waits for pending replies and disconnects every
// websocket. Store and bus stay open; they belong to the caller.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.hub.CloseAll()
}

func (s *Server) consume(ch <-chan *message.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, err := strconv.ParseInt(msg.Metadata.Get(metadataChatID), 10, 64)
			if err != nil {
				log.Warn().Err(err).Str("component", "devbroker").Str("uuid", msg.UUID).Msg("event without chat id")
				msg.Ack()
				continue
			}
			s.hub.Broadcast(chat.ID(id), msg.Payload)
			msg.Ack()
		}
	}
}

func (s *Server) publish(chatID chat.ID, ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		log.Error().Err(err).Str("component", "devbroker").Msg("encode event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), frame)
	msg.Metadata.Set(metadataChatID, strconv.FormatInt(int64(chatID), 10))
	if err := s.pubsub.Publisher.Publish(s.pubsub.Topic, msg); err != nil {
		log.Error().Err(err).Str("component", "devbroker").Int64("chat_id", int64(chatID)).Str("event", ev.EventName()).Msg("publish failed")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "devbroker").Msg("websocket upgrade failed")
		return
	}
	var room *Room
	defer func() {
		if room != nil {
			room.Remove(conn)
		} else {
			_ = conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("component", "devbroker").Msg("ignoring frame")
			continue
		}
		switch e := ev.(type) {
		case protocol.JoinChatEvent:
			if room != nil {
				room.Detach(conn)
			}
			room = s.hub.Join(e.ChatID, conn)
			ack, err := protocol.Encode(protocol.StatusEvent{Msg: fmt.Sprintf("Joined chat %d", e.ChatID)})
			if err == nil {
				room.SendToOne(conn, ack)
			}
			log.Debug().Str("component", "devbroker").Int64("chat_id", int64(e.ChatID)).Msg("socket joined chat")
		case protocol.SendMessageEvent:
			s.handleLiveSend(e.ChatID, e.Content)
		default:
			log.Debug().Str("component", "devbroker").Str("event", ev.EventName()).Msg("ignoring server-bound event")
		}
	}
}

// handleLiveSend persists and echoes a visitor message, then, in AI mode,
// announces typing and schedules the reply.
func (s *Server) handleLiveSend(chatID chat.ID, content string) {
	if chatID == 0 || strings.TrimSpace(content) == "" {
		return
	}
	ctx := s.ctx
	rec, ok, err := s.store.GetChat(ctx, chatID)
	if err != nil || !ok {
		log.Warn().Err(err).Str("component", "devbroker").Int64("chat_id", int64(chatID)).Msg("send to unknown chat")
		return
	}
	userMsg, err := s.store.AppendMessage(ctx, chatID, chat.RoleVisitor, content)
	if err != nil {
		log.Error().Err(err).Str("component", "devbroker").Int64("chat_id", int64(chatID)).Msg("store visitor message")
		return
	}
	s.publish(chatID, protocol.NewMessageEvent{Message: userMsg})

	if rec.Status == chat.StatusHuman {
		return
	}
	s.publish(chatID, protocol.TypingStartEvent{})

	s.spawn(func() {
		if s.replyDelay > 0 {
			t := time.NewTimer(s.replyDelay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
		reply, err := s.store.AppendMessage(ctx, chatID, chat.RoleAgent, s.respond(ctx, rec, content))
		if err != nil {
			log.Error().Err(err).Str("component", "devbroker").Int64("chat_id", int64(chatID)).Msg("store reply")
			return
		}
		s.publish(chatID, protocol.NewMessageEvent{Message: reply})
	})
}

// spawn runs fn in a goroutine that Close waits for. It is a no-op once the
// server is closed.
func (s *Server) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Server) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	var req chatapi.CreateChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.store.OpenChat(r.Context(), req.ExternalID, req.Platform, req.ClientName)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.writeChat(w, r, rec)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupChat(w, r)
	if !ok {
		return
	}
	s.writeChat(w, r, rec)
}

// handleSend is the request/response path: the reply is produced inline
// and nothing is pushed to the room.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req chatapi.SendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, ok, err := s.store.GetChat(r.Context(), req.ChatID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "Chat not found")
		return
	}
	userMsg, err := s.store.AppendMessage(r.Context(), req.ChatID, chat.RoleVisitor, req.Content)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	reply, err := s.store.AppendMessage(r.Context(), req.ChatID, chat.RoleAgent, s.respond(r.Context(), rec, req.Content))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	um, am := protocol.FromMessage(userMsg), protocol.FromMessage(reply)
	writeJSON(w, http.StatusOK, chatapi.SendMessageResponse{UserMessage: &um, AIResponse: &am})
}

type operatorMessageRequest struct {
	Content string `json:"content"`
}

// handleOperatorMessage posts an operator message and switches the chat to
// HUMAN mode.
func (s *Server) handleOperatorMessage(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupChat(w, r)
	if !ok {
		return
	}
	var req operatorMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.SetStatus(r.Context(), rec.ID, chat.StatusHuman); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	m, err := s.store.AppendMessage(r.Context(), rec.ID, chat.RoleOperator, req.Content)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.publish(rec.ID, protocol.NewMessageEvent{Message: m})
	writeJSON(w, http.StatusOK, protocol.FromMessage(m))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupChat(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status := chat.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !validStatus(status) {
		writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid status %q", req.Status))
		return
	}
	if err := s.store.SetStatus(r.Context(), rec.ID, status); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notice := statusNotices[status]; notice != "" {
		m, err := s.store.AppendMessage(r.Context(), rec.ID, chat.RoleOperator, notice)
		if err != nil {
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.publish(rec.ID, protocol.NewMessageEvent{Message: m})
	}
	rec.Status = status
	s.writeChat(w, r, rec)
}

func (s *Server) lookupChat(w http.ResponseWriter, r *http.Request) (ChatRecord, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid chat id")
		return ChatRecord{}, false
	}
	rec, ok, err := s.store.GetChat(r.Context(), chat.ID(id))
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return ChatRecord{}, false
	}
	if !ok {
		writeDetail(w, http.StatusNotFound, "Chat not found")
		return ChatRecord{}, false
	}
	return rec, true
}

func (s *Server) writeChat(w http.ResponseWriter, r *http.Request, rec ChatRecord) {
	msgs, err := s.store.Messages(r.Context(), rec.ID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := chatapi.ChatResponse{
		ID:         rec.ID,
		ExternalID: rec.ExternalID,
		Platform:   rec.Platform,
		Status:     string(rec.Status),
		Messages:   make([]protocol.WireMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, protocol.FromMessage(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "devbroker").Msg("write response")
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// withCORS allows the widget to be embedded on any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

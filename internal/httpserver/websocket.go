package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/skobkin/fasd/internal/api"
	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/looper"
	"github.com/skobkin/fasd/internal/sampler"
)

const wsSendQueueSize = 16

// wsHub fans extension events out to every connected client. It is an
// extension.Listener speaking the newest protocol version.
type wsHub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*outbox]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		logger:  logger,
		clients: make(map[*outbox]struct{}),
	}
}

func (h *wsHub) Name() string                     { return "websocket" }
func (h *wsHub) APIVersion() extension.APIVersion { return extension.V2 }

func (h *wsHub) Notify(_ context.Context, ev extension.Event) error {
	data, err := json.Marshal(api.NewEventMessage(ev, time.Now()))
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for box := range h.clients {
		box.push(data)
	}
	h.logger.Debug("event fanned out", "event", ev.Kind, "clients", len(h.clients))
	return nil
}

func (h *wsHub) add(box *outbox) {
	h.mu.Lock()
	h.clients[box] = struct{}{}
	h.mu.Unlock()
}

// remove must run before box is closed so Notify never pushes to a closed box.
func (h *wsHub) remove(box *outbox) {
	h.mu.Lock()
	delete(h.clients, box)
	h.mu.Unlock()
}

func (h *wsHub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	defer closeWebsocket(reqLogger, conn)

	logger := reqLogger.With("ws_id", s.wsConnIDs.Add(1))
	s.wsTotal.Add(1)

	box := newOutbox(wsSendQueueSize, &s.hub.dropped)
	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, box, cancel, logger, writerDone)

	var (
		subCh       <-chan sampler.Sample
		unsubscribe func()
	)
	if s.deps.Sampler != nil {
		subCh, unsubscribe = s.deps.Sampler.Subscribe()
	}

	s.hub.add(box)
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		s.hub.remove(box)
		box.close()
		cancel()
		<-writerDone
	}()

	var status looper.Status
	if s.deps.Looper != nil {
		status = s.deps.Looper.Status()
	}
	hello := api.NewHelloMessage(int(s.cfg.SampleInterval/time.Millisecond), s.deps.Policies, status)
	if !s.enqueueMessage(box, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go readMessages(ctx, conn, messageCh, readErrCh)

	for {
		select {
		case sample, ok := <-subCh:
			if !ok {
				subCh = nil
				continue
			}
			if !s.enqueueMessage(box, api.NewFrequencyMessage(sample), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if !s.handleClientMessage(box, data, logger) {
				return
			}
		case err := <-readErrCh:
			if code := websocket.CloseStatus(err); code != websocket.StatusNormalClosure && code != websocket.StatusGoingAway {
				logger.Debug("websocket read ended", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(box *outbox, data []byte, logger *slog.Logger) bool {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return s.enqueueMessage(box, api.ErrorMessage{Type: "error", Message: "invalid message"}, logger)
	}

	switch envelope.Type {
	case "ping":
		return s.enqueueMessage(box, api.PongMessage{Type: "pong"}, logger)
	case "status":
		return s.enqueueMessage(box, s.status(), logger)
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
		return true
	}
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, box *outbox, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-box.ch:
			if !ok {
				return
			}
			writeCtx, writeCancel := ctx, context.CancelFunc(func() {})
			if s.cfg.WS.WriteTimeout > 0 {
				writeCtx, writeCancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
			}
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			writeCancel()
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.hub.sent.Add(1)
		}
	}
}

func (s *Server) enqueueMessage(box *outbox, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !box.push(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}
	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		logger.Debug("websocket close failed", "err", err)
	}
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	return append([]string(nil), origins...)
}

// outbox is a bounded per-client queue. When full, the oldest message is
// discarded to make room.
type outbox struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newOutbox(size int, drops *atomic.Uint64) *outbox {
	return &outbox{
		ch:    make(chan []byte, max(size, 1)),
		drops: drops,
	}
}

func (o *outbox) push(msg []byte) bool {
	for range 2 {
		if o.closed.Load() {
			break
		}
		select {
		case o.ch <- msg:
			return true
		default:
		}
		select {
		case <-o.ch:
			o.drop()
		default:
		}
	}
	o.drop()
	return false
}

func (o *outbox) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *outbox) drop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}

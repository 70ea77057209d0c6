// Package view serves the node's web surface: a status page, a JSON API, a
// websocket stream, and the Prometheus scrape endpoint.
package view

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stormsense/loralink/node"
)

// Server pushes node status to browsers. Status is polled once a second
// and fanned out to every connected websocket.
type Server struct {
	node *node.Node
	log  *slog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewServer(n *node.Node, logger *slog.Logger) *Server {
	return &Server{
		node:    n,
		log:     logger,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run serves HTTP until the context is cancelled. metricsHandler serves
// /metrics; pass nil to disable the endpoint.
func (s *Server) Run(ctx context.Context, addr string, metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/button", s.handleButton)
	mux.HandleFunc("/ws", s.handleWS)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	srv := &http.Server{Addr: addr, Handler: mux}

	go s.broadcastLoop(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("web view listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.node.Status()); err != nil {
		s.log.Warn("status encode failed", "err", err)
	}
}

// handleButton injects a button press, the same input a physical node gets
// from its hardware button.
func (s *Server) handleButton(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
	if err != nil || ms < 0 {
		http.Error(w, "ms query parameter required", http.StatusBadRequest)
		return
	}
	s.node.PressButton(time.Duration(ms) * time.Millisecond)
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 16),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("websocket client connected", "total", total)

	if data, err := json.Marshal(s.node.Status()); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Info("websocket client disconnected", "total", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.clientsMu.RLock()
		idle := len(s.clients) == 0
		s.clientsMu.RUnlock()
		if idle {
			continue
		}
		data, err := json.Marshal(s.node.Status())
		if err != nil {
			continue
		}
		s.clientsMu.RLock()
		for client := range s.clients {
			select {
			case client.send <- data:
			default:
				// client too slow, skip
			}
		}
		s.clientsMu.RUnlock()
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/weaver/pkg/bridge"
)

// monitorStatus is the JSON shape served to status clients.
type monitorStatus struct {
	Version  string  `json:"version"`
	Blocks   uint64  `json:"blocks"`
	Realigns uint64  `json:"realigns"`
	Skipped  uint64  `json:"skipped"`
	Altered  uint64  `json:"altered"`
	BytesOut uint64  `json:"bytes_out"`
	Lag      uint32  `json:"lag"`
	UptimeS  float64 `json:"uptime_s"`
}

type monitorClient struct {
	conn *websocket.Conn
	send chan monitorStatus
}

// writePump pumps status frames to one websocket connection.
func (c *monitorClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// startMonitor serves bridge counters over HTTP and websocket. It is a
// read-only side channel: no control path, and no sample data leaves the
// process.
func startMonitor(ctx context.Context, addr string, b *bridge.Bridge, logger *log.Logger) {
	var (
		mu      sync.RWMutex
		clients = make(map[*monitorClient]bool)
	)

	snapshot := func() monitorStatus {
		s := b.Stats()
		uptime := 0.0
		if !s.Started.IsZero() {
			uptime = time.Since(s.Started).Seconds()
		}
		return monitorStatus{
			Version:  version,
			Blocks:   s.Blocks,
			Realigns: s.Realigns,
			Skipped:  s.Skipped,
			Altered:  s.Altered,
			BytesOut: s.BytesOut,
			Lag:      s.Lag,
			UptimeS:  uptime,
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin:    func(r *http.Request) bool { return true },
		ReadBufferSize: 1024,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot())
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "err", err)
			return
		}
		client := &monitorClient{conn: conn, send: make(chan monitorStatus, 4)}
		mu.Lock()
		clients[client] = true
		mu.Unlock()
		go client.writePump()
		// Reader loop only to detect close.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					mu.Lock()
					delete(clients, client)
					mu.Unlock()
					close(client.send)
					return
				}
			}
		}()
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("Monitor listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("monitor server stopped", "err", err)
		}
	}()

	// Broadcast loop: one status frame per second to every client. Slow
	// clients drop frames rather than stalling the broadcast.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				server.Shutdown(shutdownCtx)
				cancel()
				return
			case <-ticker.C:
				status := snapshot()
				mu.RLock()
				for client := range clients {
					select {
					case client.send <- status:
					default:
					}
				}
				mu.RUnlock()
			}
		}
	}()
}

// Live leaderboard feed.
//
// Clients connect to /scores/live over a WebSocket and receive the current
// top scores right away, then a fresh copy every time a score is saved.
//
// - One hub per server; its run loop owns the client set
// - Saves only nudge the hub; bursts of saves collapse into one refresh
// - Clients that stop draining their queue are dropped
// - Anything a client sends is read and discarded

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

const feedSnapshotTimeout = 5 * time.Second

// LeaderboardMessage is pushed to every feed client.
type LeaderboardMessage struct {
	Type   string        `json:"type"` // "leaderboard"
	Scores []ScoreRecord `json:"scores"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan any
}

type LeaderboardHub struct {
	cfg    *Config
	ledger *Ledger

	clients map[*feedClient]bool

	register chan *feedClient
	unreg    chan *feedClient
	refresh  chan struct{}
	done     chan struct{}
}

func newLeaderboardHub(cfg *Config, ledger *Ledger) *LeaderboardHub {
	return &LeaderboardHub{
		cfg:      cfg,
		ledger:   ledger,
		clients:  make(map[*feedClient]bool),
		register: make(chan *feedClient),
		unreg:    make(chan *feedClient),
		refresh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (h *LeaderboardHub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true

			if msg, ok := h.snapshot(); ok {
				h.deliver(c, msg)
			}

		case c := <-h.unreg:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case <-h.refresh:
			if len(h.clients) == 0 {
				continue
			}

			msg, ok := h.snapshot()
			if !ok {
				continue
			}

			for c := range h.clients {
				h.deliver(c, msg)
			}

		case <-h.done:
			for c := range h.clients {
				close(c.send)
				_ = c.conn.Close()
				delete(h.clients, c)
			}
			return
		}
	}
}

func (h *LeaderboardHub) deliver(c *feedClient, msg LeaderboardMessage) {
	select {
	case c.send <- msg:
	default:
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *LeaderboardHub) snapshot() (LeaderboardMessage, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), feedSnapshotTimeout)
	defer cancel()

	scores, err := h.ledger.Top(ctx, defaultTopLimit)
	if err != nil {
		warnf("SCORE: Failed to read leaderboard for live feed: %v", err)
		return LeaderboardMessage{}, false
	}

	return LeaderboardMessage{
		Type:   "leaderboard",
		Scores: scores,
	}, true
}

// notify asks the hub to push a fresh leaderboard. It never blocks.
func (h *LeaderboardHub) notify() {
	select {
	case h.refresh <- struct{}{}:
	default:
	}
}

// stop disconnects every client and ends the run loop.
func (h *LeaderboardHub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveLeaderboardFeed(cfg *Config, hub *LeaderboardHub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "SCORE: Live feed upgrade for %s failed: %v", realIP(r), err)
			return
		}

		client := &feedClient{
			conn: conn,
			send: make(chan any, 8),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		logf(cfg, "SCORE: Live feed opened for %s", realIP(r))

		go client.writePump()
		client.readPump(hub)
	}
}

func (c *feedClient) readPump(h *LeaderboardHub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

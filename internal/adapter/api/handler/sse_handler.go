package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

// StatsSource reports the current connection cache counters.
type StatsSource interface {
	Stats() domain.PoolStats
}

// SSEMessage is one pool snapshot sent to dashboards.
type SSEMessage struct {
	// Rate is resolved tenant requests per second over the last interval.
	Rate float64 `json:"rate"`
	// HitRatio is the share of cache lookups in the last interval that
	// reused a client. Zero when there were no lookups.
	HitRatio float64          `json:"hit_ratio"`
	Pool     domain.PoolStats `json:"pool"`
}

// SSEBroker manages SSE client connections and broadcasts pool stats together
// with the rate of tenant-scoped requests.
type SSEBroker struct {
	logger   *slog.Logger
	stats    StatsSource
	interval time.Duration
	requests atomic.Int64

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

// NewSSEBroker creates a new SSEBroker and starts publishing a snapshot
// every interval.
func NewSSEBroker(ctx context.Context, stats StatsSource, interval time.Duration, logger *slog.Logger) *SSEBroker {
	broker := &SSEBroker{
		logger:   logger.With("component", "sse"),
		stats:    stats,
		interval: interval,
		clients:  make(map[chan []byte]struct{}),
	}
	go broker.publish(ctx)
	return broker
}

// ServeHTTP handles new client connections for the SSE stream.
func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messageChan := make(chan []byte, 1)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messageChan:
			if !ok {
				return // Channel was closed
			}
			fmt.Fprintf(w, "event: pool\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// Track counts every request that reaches next. Mounted behind the tenant
// middleware it measures successfully resolved requests.
func (b *SSEBroker) Track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (b *SSEBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Info("SSE client connected")
}

func (b *SSEBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
		b.logger.Info("SSE client disconnected")
	}
}

func (b *SSEBroker) clientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *SSEBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// Slow client; it gets the next snapshot instead.
		}
	}
}

func (b *SSEBroker) publish(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	last := time.Now()
	var prev domain.PoolStats

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			requests := b.requests.Swap(0)
			stats := b.stats.Stats()
			msg := SSEMessage{Pool: stats}
			if elapsed := now.Sub(last).Seconds(); elapsed > 0 {
				msg.Rate = float64(requests) / elapsed
			}
			if lookups := (stats.Hits - prev.Hits) + (stats.Misses - prev.Misses); lookups > 0 {
				msg.HitRatio = float64(stats.Hits-prev.Hits) / float64(lookups)
			}
			last, prev = now, stats

			if b.clientCount() == 0 {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				b.logger.Error("Failed to marshal SSE message", "error", err)
				continue
			}
			b.broadcast(data)
		}
	}
}

package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lisuiheng/terrimatch-go/metrics"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

const maxMessageSize = 512 * 1024

var peerIDCounter atomic.Uint64

// peer is one websocket connection of an authenticated user.
type peer struct {
	id      uint64
	userID  string
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newPeer(hub *Hub, conn *websocket.Conn, userID string) *peer {
	opts := hub.opts
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return &peer{
		id:      peerIDCounter.Add(1),
		userID:  userID,
		hub:     hub,
		conn:    conn,
		limiter: limiter,
		send:    make(chan []byte, opts.SendBuffer),
	}
}

// enqueue never blocks. A full queue means the peer is too slow and gets
// dropped.
func (p *peer) enqueue(raw []byte) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	select {
	case p.send <- raw:
		p.mu.Unlock()
		return true
	default:
	}
	p.mu.Unlock()

	metrics.RelaySlowPeersDropped.Inc()
	p.hub.logger.Warn("Dropping slow peer", "user", p.userID, "peer", p.id)
	p.close()
	return false
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

func (p *peer) readPump() {
	defer func() {
		p.hub.unregister(p)
		_ = p.conn.Close()
	}()

	opts := p.hub.opts
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.hub.logger.Warn("Unexpected websocket close", "user", p.userID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			metrics.RelayFramesRejected.WithLabelValues("binary").Inc()
			continue
		}
		if !p.limiter.Allow() {
			metrics.RelayFramesRejected.WithLabelValues("rate_limited").Inc()
			p.hub.logger.Debug("Frame rate limited", "user", p.userID)
			continue
		}
		env, err := interfaces.DecodeEnvelope(data)
		if err != nil {
			metrics.RelayFramesRejected.WithLabelValues("invalid").Inc()
			p.hub.logger.Debug("Invalid frame", "user", p.userID, "error", err)
			continue
		}
		p.hub.route(p, env)
	}
}

func (p *peer) writePump() {
	opts := p.hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

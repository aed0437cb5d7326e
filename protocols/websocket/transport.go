package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/terrimatch-go/pkg/interfaces"
)

var _ interfaces.TransportProtocol = (*WSProtocol)(nil)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	maxMessageSize          = 512 * 1024
)

type WSProtocol struct {
	conn      *websocket.Conn
	config    Config
	logger    *slog.Logger
	msgChan   chan interfaces.Message
	closeChan chan struct{}
	closeOnce sync.Once
	writeMu   sync.Mutex
	wg        sync.WaitGroup
}

// Config holds the websocket specific settings.
type Config struct {
	Server struct {
		URL             string
		ProtocolVersion int
	}
	Auth struct {
		AccessToken string
		UserID      string
	}
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	// PingInterval of zero disables client pings.
	PingInterval time.Duration
	PongWait     time.Duration
}

func NewWebSocketProtocol(config Config, log *slog.Logger) (*WSProtocol, error) {
	if config.Server.URL == "" {
		return nil, fmt.Errorf("%w: websocket url missing", interfaces.ErrConnectionFailed)
	}
	if log == nil {
		log = slog.Default()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaultHandshakeTimeout
	}
	if config.WriteWait <= 0 {
		config.WriteWait = defaultWriteWait
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}
	return &WSProtocol{
		config:    config,
		logger:    log.With("protocol", "websocket"),
		msgChan:   make(chan interfaces.Message, 100),
		closeChan: make(chan struct{}),
	}, nil
}

func (p *WSProtocol) Connect(ctx context.Context) error {
	headers := http.Header{}
	if p.config.Auth.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+p.config.Auth.AccessToken)
	}
	if p.config.Server.ProtocolVersion > 0 {
		headers.Set("Protocol-Version", strconv.Itoa(p.config.Server.ProtocolVersion))
	}
	if p.config.Auth.UserID != "" {
		headers.Set("Client-Id", p.config.Auth.UserID)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: p.config.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, p.config.Server.URL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: status %d: %v", interfaces.ErrConnectionFailed, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}
	p.conn = conn

	p.conn.SetReadLimit(maxMessageSize)
	if p.config.PingInterval > 0 {
		if err := p.armReadDeadline(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
		}
		p.conn.SetPongHandler(func(string) error { return p.armReadDeadline() })
		p.wg.Add(1)
		go p.pingLoop()
	}

	p.wg.Add(1)
	go p.readPump()
	return nil
}

func (p *WSProtocol) readPump() {
	defer p.wg.Done()
	defer close(p.msgChan)
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case <-p.closeChan:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					p.logger.Warn("Connection closed unexpectedly", "error", err)
				} else {
					p.logger.Debug("Connection closed", "error", err)
				}
			}
			return
		}
		msg := interfaces.Message{
			Payload: data,
			Type:    convertMsgType(msgType),
		}
		select {
		case p.msgChan <- msg:
		case <-p.closeChan:
			return
		}
	}
}

func (p *WSProtocol) pingLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeChan:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.config.WriteWait))
			p.writeMu.Unlock()
			if err != nil {
				p.logger.Debug("Ping failed", "error", err)
				_ = p.conn.Close()
				return
			}
		}
	}
}

func (p *WSProtocol) armReadDeadline() error {
	return p.conn.SetReadDeadline(time.Now().Add(p.config.PongWait))
}

func convertMsgType(wsType int) interfaces.MessageType {
	switch wsType {
	case websocket.TextMessage:
		return interfaces.MsgText
	case websocket.BinaryMessage:
		return interfaces.MsgBinary
	default:
		return interfaces.MsgControl
	}
}

func (p *WSProtocol) Send(data []byte, msgType interfaces.MessageType) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.conn == nil {
		return interfaces.ErrNotOpen
	}
	select {
	case <-p.closeChan:
		return interfaces.ErrNotOpen
	default:
	}

	wsType := websocket.TextMessage
	if msgType == interfaces.MsgBinary {
		wsType = websocket.BinaryMessage
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(wsType, data)
}

func (p *WSProtocol) Receive() <-chan interfaces.Message {
	return p.msgChan
}

func (p *WSProtocol) ProtocolType() string { return "websocket" }

// Close sends a normal closure frame and tears the socket down. Safe to call
// more than once.
func (p *WSProtocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeChan)
		if p.conn == nil {
			return
		}
		p.writeMu.Lock()
		_ = p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		p.writeMu.Unlock()
		err = p.conn.Close()
	})
	p.wg.Wait()
	return err
}

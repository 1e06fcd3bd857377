package realtime

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hitoshi/ohq/internal/model"
)

// Options はWebSocket接続ごとの設定。
type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReadLimit    int64
	// MessageRate・MessageBurst は1接続あたりの受信メッセージ数の上限。
	MessageRate  rate.Limit
	MessageBurst int
	// ActionTimeout はアクション1件の処理に許す時間。
	ActionTimeout time.Duration
}

// DefaultOptions は既定の接続設定を返す。
func DefaultOptions() Options {
	return Options{
		SendBuffer:    256,
		PingInterval:  54 * time.Second,
		PongWait:      60 * time.Second,
		WriteWait:     10 * time.Second,
		ReadLimit:     8192,
		MessageRate:   5,
		MessageBurst:  10,
		ActionTimeout: 5 * time.Second,
	}
}

// room はクライアントの受信メッセージと切断を受け取るルーム。
type room interface {
	receive(c *Client, data []byte)
	leave(c *Client)
}

// Client は1つのWebSocket接続。
// principalは参加後はルームのgoroutineだけが読み書きする。
type Client struct {
	id        uuid.UUID
	conn      *websocket.Conn
	principal *model.Principal
	limiter   *rate.Limiter
	opts      Options
	logger    *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, p *model.Principal, opts Options, logger *slog.Logger) *Client {
	id := uuid.New()
	return &Client{
		id:        id,
		conn:      conn,
		principal: p,
		limiter:   rate.NewLimiter(opts.MessageRate, opts.MessageBurst),
		opts:      opts,
		logger:    logger.With(slog.String("client_id", id.String())),
		send:      make(chan []byte, opts.SendBuffer),
	}
}

// enqueue は送信キューにメッセージを積む。
// 送信キューが溢れた低速なクライアントは切断し、falseを返す。
func (c *Client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("send buffer full, disconnecting client")
		c.closed = true
		close(c.send)
		return false
	}
}

// sendError はエラーメッセージを送る。
func (c *Client) sendError(e *model.APIError) {
	c.enqueue(encodeError(e))
}

// close は送信キューを閉じる。writePumpがクローズフレームを送って接続を閉じる。
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump は受信メッセージをルームへ渡す。接続が切れるとルームから離脱する。
func (c *Client) readPump(r room) {
	defer func() {
		r.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.opts.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendError(model.NewRateLimitedError())
			continue
		}
		r.receive(c, message)
	}
}

// writePump は送信キューのメッセージを書き込み、定期的にpingを送る。
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

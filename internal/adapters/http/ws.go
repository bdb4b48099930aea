package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/app/orch"
)

var (
	ErrBackpressure = errors.New("backpressure")
	errConnClosed   = errors.New("connection closed")

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type stateFrame struct {
	Type  string      `json:"type"`
	State *orch.State `json:"state,omitempty"`
}

// stateConn is one state stream subscriber.
type stateConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *stateConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *stateConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *stateConn) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

// stateStream pushes a snapshot on connect and after every state change. A
// subscriber that cannot keep up is dropped; it reconnects to a fresh
// snapshot.
func (s *server) stateStream(c *gin.Context) {
	uid := userOf(c)
	o := orchOf(c)
	logger := log.With().Str("module", "adapters.http.ws").Str("user_id", string(uid)).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	conn := &stateConn{conn: ws, send: make(chan []byte, 32)}
	ctx, cancel := context.WithCancel(s.ctx)

	push := func(st orch.State) {
		if err := conn.sendJSON(stateFrame{Type: "state", State: &st}); err != nil {
			if errors.Is(err, ErrBackpressure) {
				logger.Warn().Msg("state subscriber too slow, dropping")
				cancel()
			}
		}
	}
	unwatch := o.Watch(push)
	push(o.State())
	logger.Info().Msg("state stream opened")

	go s.writePump(ctx, conn, logger)
	go s.readPump(ctx, conn, logger, func() {
		unwatch()
		cancel()
	})
}

func (s *server) writePump(ctx context.Context, c *stateConn, logger zerolog.Logger) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (s *server) readPump(ctx context.Context, c *stateConn, logger zerolog.Logger, done func()) {
	defer func() {
		logger.Info().Msg("state stream closed")
		done()
		c.Close()
	}()

	pongWait := s.cfg.PingPeriod * 10 / 9
	c.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Debug().Err(err).Msg("bad json")
			continue
		}
		if env.Type == "ping" {
			_ = c.sendJSON(stateFrame{Type: "pong"})
		}
	}
}

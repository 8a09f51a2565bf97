package watchdog

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/logging"
)

var ErrNotConnected = errors.New("websocket not connected")

// WebsocketPinger holds a websocket to a market data feed, measures
// ping/pong round trips and remembers when the feed last sent data.
type WebsocketPinger struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.SugaredLogger

	mu    sync.Mutex
	conn  *websocket.Conn
	pongs chan string

	lastMsg atomic.Int64 // unix nanos
}

func NewWebsocketPinger(url string, log *zap.SugaredLogger) *WebsocketPinger {
	return &WebsocketPinger{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logging.OrNop(log).With("feed", url),
	}
}

// Connect dials the feed and starts the read pump.
func (p *WebsocketPinger) Connect(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", p.url)
	}
	pongs := make(chan string, 8)
	conn.SetPongHandler(func(data string) error {
		p.touch()
		select {
		case pongs <- data:
		default:
		}
		return nil
	})

	p.mu.Lock()
	old := p.conn
	p.conn = conn
	p.pongs = pongs
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	go p.readPump(conn)
	p.log.Infow("feed connected")
	return nil
}

func (p *WebsocketPinger) readPump(conn *websocket.Conn) {
	defer func() {
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			p.log.Debugw("feed read ended", "err", err)
			return
		}
		p.touch()
	}
}

func (p *WebsocketPinger) touch() {
	p.lastMsg.Store(time.Now().UnixNano())
}

// Ping sends a ping frame and waits for its pong.
func (p *WebsocketPinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	conn, pongs := p.conn, p.pongs
	p.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload := strconv.FormatInt(time.Now().UnixNano(), 10)
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := conn.WriteControl(websocket.PingMessage, []byte(payload), deadline); err != nil {
		return errors.Wrap(err, "write ping")
	}

	for {
		select {
		case got := <-pongs:
			if got == payload {
				return nil
			}
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await pong")
		}
	}
}

// Reconnect drops the current connection and dials again.
func (p *WebsocketPinger) Reconnect(ctx context.Context) error {
	p.Close()
	return p.Connect(ctx)
}

// LastMessage is when any frame last arrived; zero before the first.
func (p *WebsocketPinger) LastMessage() time.Time {
	n := p.lastMsg.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Alive reports whether the read pump still holds a connection.
func (p *WebsocketPinger) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

func (p *WebsocketPinger) Close() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

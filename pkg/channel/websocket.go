package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dyluth/sapling/pkg/wire"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocket carries one message per binary WebSocket frame.
type WebSocket struct {
	conn         *websocket.Conn
	codec        wire.Codec
	writeTimeout time.Duration

	// gorilla/websocket allows one concurrent writer.
	wmu sync.Mutex

	pump *pump
	once sync.Once
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn, codec wire.Codec) *WebSocket {
	conn.SetReadLimit(wire.MaxFrameSize)
	ws := &WebSocket{conn: conn, codec: codec, writeTimeout: DefaultWriteTimeout}
	ws.pump = startPump(ws.read)
	return ws
}

// DialWebSocket connects to url and wraps the connection.
func DialWebSocket(ctx context.Context, url string, codec wire.Codec) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, transportErr(fmt.Sprintf("dial %s", url), err)
	}
	return NewWebSocket(conn, codec), nil
}

func (ws *WebSocket) read() ([]byte, error) {
	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, websocket.ErrCloseSent) {
				return nil, ErrClosed
			}
			return nil, transportErr("read message", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (ws *WebSocket) Send(ctx context.Context, m *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ws.codec.Marshal(m)
	if err != nil {
		return transportErr("encode frame", err)
	}

	deadline := time.Now().Add(ws.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	ws.wmu.Lock()
	defer ws.wmu.Unlock()
	if err := ws.conn.SetWriteDeadline(deadline); err != nil {
		return transportErr("set write deadline", err)
	}
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return transportErr("write message", err)
	}
	return nil
}

func (ws *WebSocket) Receive(ctx context.Context) (*wire.Message, error) {
	frame, err := ws.pump.next(ctx)
	if err != nil {
		return nil, err
	}
	return decode(ws.codec, frame)
}

// Close sends a close frame and closes the connection. A close frame that cannot
// be written is reported alongside any error closing the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.once.Do(func() {
		ws.pump.stop()
		ws.wmu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.wmu.Unlock()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			werr = transportErr("write close frame", werr)
		} else {
			werr = nil
		}
		if cerr := ws.conn.Close(); cerr != nil {
			werr = errors.Join(werr, transportErr("close connection", cerr))
		}
		err = werr
	})
	return err
}

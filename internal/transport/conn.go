package transport

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// wsConn adapts a coder/websocket connection to session.ClientConn: the
// narrow byte sink the Session state machine writes through, without
// needing to know anything about the web transport underneath (spec.md §9,
// "avoid ownership cycles").
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageBinary, data)
}

func (c *wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

func (c *wsConn) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Ping(pctx)
}

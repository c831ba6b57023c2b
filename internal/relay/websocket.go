package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/coder/websocket"
)

const (
	// pingInterval keeps WebSocket uploads alive through idle-timeout
	// proxies while the client is slow to produce data.
	pingInterval = 30 * time.Second
	pingTimeout  = 10 * time.Second
)

// CopyMessages writes the payload of every binary message read from ws to
// dst. A text message ends the upload with the connection still open, so the
// caller can answer on it; a normal close ends it too. It returns the number
// of bytes copied.
func CopyMessages(ctx context.Context, dst io.Writer, ws *websocket.Conn) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pingLoop(ctx, ws)

	var total int64
	for {
		typ, r, err := ws.Reader(ctx)
		if err != nil {
			return total, ignoreNormalClose(err)
		}
		if typ == websocket.MessageText {
			_, err := io.Copy(io.Discard, r)
			return total, err
		}
		n, err := io.Copy(dst, r)
		total += n
		if err != nil {
			return total, err
		}
	}
}

// pingLoop sends periodic pings until ctx is done.
func pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			_ = ws.Ping(pingCtx) // best-effort; the read loop notices a dead peer
			cancel()
		}
	}
}

func ignoreNormalClose(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

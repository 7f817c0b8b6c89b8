package websocket

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Outbound notifications buffered per client before it is dropped.
	sendBuffer = 64
)

// Client is one connected observer.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
}

// writePump sends queued notifications until the bridge closes send.
func (b *Bridge) writePump(client *Client) {
	defer client.conn.Close(websocket.StatusNormalClosure, "Server-side cleanup")

	for message := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := client.conn.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			b.logger.Warn("WebSocket write error", "clientID", client.ID, "error", err)
			b.unregister(client)
			return
		}
	}
}

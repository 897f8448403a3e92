package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Client is the dial side of the Bus: it bridges a single user's websocket
// connection to the signaling endpoint into the Bus contract, so a
// call.Coordinator can run unchanged against a remote server. One Client
// carries one subscription; Subscribe must be called at most once.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu sync.Mutex // serializes writes

	ch    chan Signal
	close sync.Once
}

// Dial connects to the signaling endpoint at url (ws:// or wss://) as
// userID and starts the read loop. The server pins the sender identity from
// the connection, so the X-User-ID header is the only authentication this
// development client carries.
func Dial(ctx context.Context, url, userID string, log zerolog.Logger) (*Client, error) {
	hdr := http.Header{}
	hdr.Set("X-User-ID", userID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn: conn,
		log:  log.With().Str("user_id", userID).Logger(),
		ch:   make(chan Signal, defaultMailbox),
	}
	go c.readLoop()
	return c, nil
}

// readLoop feeds inbound signals into the subscription mailbox until the
// connection drops, then closes it so the consumer's loop terminates.
func (c *Client) readLoop() {
	defer c.close.Do(func() { close(c.ch) })
	for {
		var sig Signal
		if err := c.conn.ReadJSON(&sig); err != nil {
			c.log.Debug().Err(err).Msg("signal connection closed")
			return
		}
		select {
		case c.ch <- sig:
		default:
			c.log.Warn().Str("type", string(sig.Type)).Msg("signal dropped, mailbox full")
		}
	}
}

// Publish writes sig to the server. The addressee is resolved server-side
// from the signal fields; to is accepted for Bus compatibility.
func (c *Client) Publish(_ context.Context, _ string, sig Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(sig)
}

// Subscribe returns the connection's inbound feed. Canceling closes the
// connection; there is no detaching a single subscription from a
// single-user client.
func (c *Client) Subscribe(string) *Subscription {
	return &Subscription{C: c.ch, cancel: func() { c.Close() }}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	return c.conn.Close()
}

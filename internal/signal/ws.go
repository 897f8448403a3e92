package signal

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced upstream (CORS middleware + auth); the
	// upgrader itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

// ServeWS upgrades an HTTP request to a websocket and bridges it onto the
// bus for userID: signals addressed to the user are written out as JSON,
// and JSON signals read from the client are published with the sender
// pinned to userID. The connection is the client's live presence on the
// bus; ringing depends on it staying open, so the write side pings on
// pingPeriod and gives up on a stalled peer.
//
// The call returns when either pump stops (client disconnect, write error,
// or bus shutdown); the subscription is canceled on the way out so an
// offline client immediately stops receiving fan-out.
func ServeWS(bus Bus, log zerolog.Logger, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	l := log.With().Str("user_id", userID).Logger()
	l.Info().Msg("signal client connected")

	sub := bus.Subscribe(userID)
	done := make(chan struct{})

	// Write pump: bus -> client.
	go func() {
		ping := time.NewTicker(pingPeriod)
		defer func() {
			ping.Stop()
			conn.Close()
		}()
		for {
			select {
			case sig, ok := <-sub.C:
				if !ok {
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage, nil)
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(sig); err != nil {
					l.Error().Err(err).Msg("signal write failed")
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Read pump: client -> bus.
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var sig Signal
		if err := conn.ReadJSON(&sig); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("unexpected websocket close")
			}
			break
		}
		to, ok := routeSignal(userID, &sig)
		if !ok {
			l.Warn().Str("type", string(sig.Type)).Msg("discarding malformed signal")
			continue
		}
		if err := bus.Publish(r.Context(), to, sig); err != nil {
			l.Error().Err(err).Msg("signal publish failed")
		}
	}

	close(done)
	sub.Cancel()
	conn.Close()
	l.Info().Msg("signal client disconnected")
}

// routeSignal validates an inbound client signal and resolves its
// addressee. The sender identity is pinned server-side: incoming_call must
// originate from the caller, the three response types from the callee, so a
// client cannot spoof signals on someone else's behalf.
func routeSignal(from string, sig *Signal) (string, bool) {
	if sig.Channel == "" {
		return "", false
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	switch sig.Type {
	case TypeIncomingCall:
		sig.CallerID = from
		if sig.CalleeID == "" || sig.CalleeID == from {
			return "", false
		}
		return sig.CalleeID, true
	case TypeCallAccepted, TypeCallRejected:
		sig.CalleeID = from
		if sig.CallerID == "" || sig.CallerID == from {
			return "", false
		}
		return sig.CallerID, true
	case TypeCallEnded:
		// Either side may end; address the counterparty.
		switch from {
		case sig.CallerID:
			if sig.CalleeID == "" {
				return "", false
			}
			return sig.CalleeID, true
		case sig.CalleeID:
			if sig.CallerID == "" {
				return "", false
			}
			return sig.CallerID, true
		}
		return "", false
	}
	return "", false
}

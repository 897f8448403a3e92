package signal

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	// signalsPublished counts signals fanned out to subscribers, by type.
	signalsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_signals_published_total",
			Help: "Total call signals delivered to subscriber mailboxes.",
		},
		[]string{"type"},
	)

	// signalsDropped counts signals dropped because a mailbox was full or
	// the addressee had no subscriber.
	signalsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_signals_dropped_total",
			Help: "Total call signals dropped (absent subscriber or full mailbox).",
		},
		[]string{"type", "reason"},
	)
)

func init() {
	prometheus.MustRegister(signalsPublished, signalsDropped)
}

// defaultMailbox is the per-subscriber buffer. Signaling traffic is a
// handful of messages per call attempt; a small buffer absorbs bursts
// without letting a stalled reader back-pressure the relay.
const defaultMailbox = 16

// Hub is the in-process Bus relay. Each user may hold several concurrent
// subscriptions (multiple devices); a published signal is fanned out to all
// of them. A full mailbox drops the signal for that subscriber rather than
// blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscriber]struct{}
	mailbox int
	closed  bool
	log     zerolog.Logger
}

type subscriber struct {
	ch chan Signal
}

// NewHub constructs a Hub with the default mailbox size.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subs:    make(map[string]map[*subscriber]struct{}),
		mailbox: defaultMailbox,
		log:     log,
	}
}

// Publish fans sig out to every live subscription of the addressee. An
// absent or saturated subscriber is not an error: the signal is counted as
// dropped and the attempt relies on the client-local timeout.
func (h *Hub) Publish(_ context.Context, to string, sig Signal) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}

	set := h.subs[to]
	if len(set) == 0 {
		signalsDropped.WithLabelValues(string(sig.Type), "no_subscriber").Inc()
		h.log.Debug().
			Str("to", to).
			Str("type", string(sig.Type)).
			Str("channel", sig.Channel).
			Msg("signal dropped, no subscriber")
		return nil
	}
	for sub := range set {
		select {
		case sub.ch <- sig:
			signalsPublished.WithLabelValues(string(sig.Type)).Inc()
		default:
			signalsDropped.WithLabelValues(string(sig.Type), "mailbox_full").Inc()
			h.log.Warn().
				Str("to", to).
				Str("type", string(sig.Type)).
				Msg("signal dropped, mailbox full")
		}
	}
	return nil
}

// Subscribe registers a mailbox for userID and returns its subscription.
// Canceling removes the mailbox and closes the channel.
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &subscriber{ch: make(chan Signal, h.mailbox)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return &Subscription{C: sub.ch, cancel: func() {}}
	}
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[userID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			removed := false
			if set, ok := h.subs[userID]; ok {
				if _, member := set[sub]; member {
					delete(set, sub)
					removed = true
				}
				if len(set) == 0 {
					delete(h.subs, userID)
				}
			}
			h.mu.Unlock()
			// Close removes and closes all mailboxes itself; only close
			// here if this cancel actually detached the subscriber.
			if removed {
				close(sub.ch)
			}
		})
	}
	return &Subscription{C: sub.ch, cancel: cancel}
}

// Close shuts the relay down: all mailboxes are closed and later publishes
// become no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[*subscriber]struct{})
}

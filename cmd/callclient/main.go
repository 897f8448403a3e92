// Command callclient is an interactive signaling client for development and
// manual testing: it connects to the server's websocket endpoint, runs the
// per-user call state machine against it, and exposes the call actions as a
// small REPL.
//
//	callclient -user alice -display Alice -server ws://localhost:8080/api/v1/ws
//
// Commands:
//
//	call <calleeID> <channel> <scheduledAt RFC3339>   ring the callee
//	accept | reject                                   answer a ringing call
//	cancel                                            stop an outgoing ring
//	end                                               hang up
//	watch <scheduledAt RFC3339>                       print window state on a tick
//	quit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/veilmatch/go-consent-backend/internal/call"
	"github.com/veilmatch/go-consent-backend/internal/config"
	"github.com/veilmatch/go-consent-backend/internal/schedule"
	"github.com/veilmatch/go-consent-backend/internal/signal"
	"github.com/veilmatch/go-consent-backend/internal/sysutil"
)

func main() {
	var (
		user    = flag.String("user", "", "user id to connect as (required)")
		display = flag.String("display", "", "display name shown to callees (defaults to user id)")
		server  = flag.String("server", "ws://localhost:8080/api/v1/ws", "websocket signaling endpoint")
	)
	flag.Parse()
	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: callclient -user <id> [-display <name>] [-server <ws url>]")
		os.Exit(2)
	}
	if *display == "" {
		*display = *user
	}

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	log := sysutil.NewLogger(true).With().Str("user_id", *user).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := signal.Dial(ctx, *server, *user, log)
	if err != nil {
		log.Fatal().Err(err).Str("server", *server).Msg("connect failed")
	}
	defer bus.Close()

	c := call.New(*user, *display, bus, log)
	c.RingTimeout = cfg.Call.RingTimeout
	c.OnStateChange = func(st call.State, s *call.Session) {
		switch {
		case st == call.StateRingingIn && s != nil:
			fmt.Printf("<< %s is calling (channel %s) — accept/reject\n", s.CallerDisplay, s.Channel)
		case st == call.StateActive && s != nil:
			fmt.Printf("<< call active on channel %s\n", s.Channel)
		case st == call.StateIdle:
			fmt.Println("<< idle")
		default:
			fmt.Printf("<< %s\n", st)
		}
	}
	go c.Run(ctx)

	fmt.Printf("connected to %s as %s\n", *server, *user)
	repl(ctx, cfg, c, log)
}

func repl(ctx context.Context, cfg config.Config, c *call.Coordinator, log zerolog.Logger) {
	var watchCancel context.CancelFunc

	sc := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); sc.Scan(); fmt.Print("> ") {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		var err error
		switch fields[0] {
		case "call":
			if len(fields) != 4 {
				fmt.Println("usage: call <calleeID> <channel> <scheduledAt RFC3339>")
				continue
			}
			var at time.Time
			if at, err = time.Parse(time.RFC3339, fields[3]); err == nil {
				err = c.Initiate(ctx, fields[1], fields[2], at)
			}
		case "accept":
			err = c.Accept(ctx)
		case "reject":
			err = c.Reject(ctx)
		case "cancel":
			err = c.Cancel(ctx)
		case "end":
			err = c.End(ctx)
		case "watch":
			if len(fields) != 2 {
				fmt.Println("usage: watch <scheduledAt RFC3339>")
				continue
			}
			var at time.Time
			if at, err = time.Parse(time.RFC3339, fields[1]); err == nil {
				if watchCancel != nil {
					watchCancel()
				}
				var wctx context.Context
				wctx, watchCancel = context.WithCancel(ctx)
				go watchWindows(wctx, at, cfg.Call.WindowTick)
			}
		case "quit", "exit":
			if watchCancel != nil {
				watchCancel()
			}
			return
		default:
			fmt.Println("commands: call, accept, reject, cancel, end, watch, quit")
			continue
		}
		if err != nil {
			fmt.Printf("!! %v\n", err)
		}
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Msg("stdin read failed")
	}
	if watchCancel != nil {
		watchCancel()
	}
}

// watchWindows prints the derived window state whenever it changes, on the
// configured tick.
func watchWindows(ctx context.Context, at time.Time, tick time.Duration) {
	var last string
	schedule.Poll(ctx, tick, func(now time.Time) {
		state := fmt.Sprintf("join=%t ring=%t past=%t highlight=%t",
			schedule.CanJoinMeeting(at, now),
			schedule.CanRing(at, now),
			schedule.IsPastRingWindow(at, now),
			schedule.ShouldHighlight(at, now))
		if state != last {
			fmt.Printf("<< window %s: %s\n", at.Format(time.RFC3339), state)
			last = state
		}
	})
}

package slackapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// MessageEvent is the subset of a socket-mode message event the sync layer
// cares about: enough to know which channel to resync.
type MessageEvent struct {
	TeamID    string
	ChannelID string
	TS        string
	ThreadTS  string
}

type socketEnvelope struct {
	EnvelopeID string        `json:"envelope_id"`
	Type       string        `json:"type"`
	Payload    socketPayload `json:"payload"`
}

type socketPayload struct {
	TeamID string      `json:"team_id"`
	Event  socketEvent `json:"event"`
}

type socketEvent struct {
	Type     string `json:"type"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

type socketAck struct {
	EnvelopeID string `json:"envelope_id"`
}

type Logger interface {
	Printf(format string, args ...any)
}

// SocketListener consumes the provider's websocket event stream and forwards
// message events to a trigger callback. It never writes to the provider
// beyond envelope acks; delivery is best-effort and the poll-based sync is
// the source of truth.
type SocketListener struct {
	url       string
	trigger   func(MessageEvent)
	logger    Logger
	redial    time.Duration
	dialLimit int
}

func NewSocketListener(wsURL string, trigger func(MessageEvent), logger Logger) (*SocketListener, error) {
	wsURL = strings.TrimSpace(wsURL)
	if wsURL == "" {
		return nil, fmt.Errorf("socket url is required")
	}
	if trigger == nil {
		return nil, fmt.Errorf("trigger callback is required")
	}
	return &SocketListener{
		url:     wsURL,
		trigger: trigger,
		logger:  logger,
		redial:  5 * time.Second,
	}, nil
}

// Run blocks until the context is cancelled, redialing on connection loss.
func (l *SocketListener) Run(ctx context.Context) error {
	dials := 0
	for {
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dials++
		if l.dialLimit > 0 && dials >= l.dialLimit {
			return err
		}
		l.logf("socket connection lost: %v; redialing in %s", err, l.redial)
		if waitErr := waitWithContext(ctx, l.redial); waitErr != nil {
			return waitErr
		}
	}
}

func (l *SocketListener) consume(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var env socketEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.EnvelopeID != "" {
			if err := wsjson.Write(ctx, conn, socketAck{EnvelopeID: env.EnvelopeID}); err != nil {
				return err
			}
		}
		if env.Type != "events_api" || env.Payload.Event.Type != "message" {
			continue
		}
		event := env.Payload.Event
		if event.Channel == "" || event.TS == "" {
			continue
		}
		l.trigger(MessageEvent{
			TeamID:    env.Payload.TeamID,
			ChannelID: event.Channel,
			TS:        event.TS,
			ThreadTS:  event.ThreadTS,
		})
	}
}

func (l *SocketListener) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

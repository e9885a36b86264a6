package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"nhbescrow/core/state"
	"nhbescrow/core/types"
	"nhbescrow/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 256
)

var errStreamClosed = errors.New("event stream closed")

// handleEventsWS streams journal events over a websocket. The optional cursor
// query parameter names the last sequence the client has seen; delivery starts
// at the following entry, replays the journal backlog and then follows live
// commits.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.journal == nil {
		http.Error(w, "journal unavailable", http.StatusServiceUnavailable)
		return
	}
	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	metrics := observability.Stream()
	metrics.Connected(1)
	defer metrics.Connected(-1)

	ctx := conn.CloseRead(r.Context())
	err = s.streamEvents(ctx, conn, cursor)
	switch {
	case err == nil:
		metrics.RecordDisconnect("complete")
	case errors.Is(err, errStreamClosed):
		metrics.RecordDisconnect("shutdown")
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	case ctx.Err() != nil:
		metrics.RecordDisconnect("client")
	default:
		metrics.RecordDisconnect("error")
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func parseCursor(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// streamEvents subscribes before replaying so no commit falls between the
// backlog and the live feed. A dropped subscription is replaced and the gap
// refilled from the journal.
func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64) error {
	lastSent := cursor
	for {
		var (
			updates <-chan *types.Event
			cancel  = func() {}
		)
		if s.bus != nil {
			updates, cancel = s.bus.Subscribe(wsBuffer)
		}
		next, err := s.replay(ctx, conn, lastSent)
		if err != nil {
			cancel()
			return err
		}
		lastSent = next
		if updates == nil {
			return nil
		}
		lastSent, err = s.follow(ctx, conn, updates, lastSent)
		cancel()
		if err != nil {
			return err
		}
		if s.bus.Closed() {
			return errStreamClosed
		}
	}
}

func (s *Server) replay(ctx context.Context, conn *websocket.Conn, lastSent uint64) (uint64, error) {
	for {
		page, err := s.journal.EscrowEvents(lastSent+1, state.MaxEventPage)
		if err != nil {
			return lastSent, err
		}
		for _, evt := range page {
			if err := writeEvent(ctx, conn, evt); err != nil {
				return lastSent, err
			}
			lastSent = evt.Sequence
		}
		if len(page) < state.MaxEventPage {
			return lastSent, nil
		}
	}
}

// follow forwards live events until the subscription ends or a sequence gap
// is observed, returning the last delivered sequence.
func (s *Server) follow(ctx context.Context, conn *websocket.Conn, updates <-chan *types.Event, lastSent uint64) (uint64, error) {
	for {
		select {
		case <-ctx.Done():
			return lastSent, ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return lastSent, nil
			}
			if evt == nil || evt.Sequence <= lastSent {
				continue
			}
			if evt.Sequence != lastSent+1 {
				return lastSent, nil
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return lastSent, err
			}
			lastSent = evt.Sequence
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	observability.Stream().RecordDelivered(evt.Type)
	return nil
}

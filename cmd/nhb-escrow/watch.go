package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"nhooyr.io/websocket"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("watch", stderr)
	var cursor uint64
	fs.Uint64Var(&cursor, "cursor", 0, "last sequence already seen; streaming starts after it")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	target, err := eventsStreamURL(rpcEndpoint, cursor)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := watchEvents(ctx, target, stdout); err != nil {
		return printError(stderr, err.Error())
	}
	return 0
}

// eventsStreamURL derives the websocket endpoint from the RPC endpoint.
func eventsStreamURL(endpoint string, cursor uint64) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid rpc endpoint: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported rpc endpoint scheme %q", parsed.Scheme)
	}
	parsed.Path = "/ws/events"
	query := url.Values{}
	if cursor > 0 {
		query.Set("cursor", strconv.FormatUint(cursor, 10))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// watchEvents prints each streamed event as a JSON line until ctx ends or the
// server closes the stream.
func watchEvents(ctx context.Context, target string, out io.Writer) error {
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if _, err := fmt.Fprintln(out, string(data)); err != nil {
			return err
		}
	}
}

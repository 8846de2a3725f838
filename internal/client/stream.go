package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

const (
	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 30 * time.Second
)

// EventHandler receives each event the node streams.
type EventHandler func(domain.Event)

// Stream follows lifecycle events over the node's /ws endpoint and
// reconnects with backoff until its context ends.
type Stream struct {
	wsURL   string
	header  http.Header
	markets []string
	handler EventHandler
	logger  *slog.Logger
}

// Events returns a stream of events for markets (all markets when none are
// given).
func (c *Client) Events(markets []string, handler EventHandler, logger *slog.Logger) *Stream {
	wsURL := c.baseURL + "/ws"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if len(markets) > 0 {
		wsURL += "?" + url.Values{"market": markets}.Encode()
	}
	return &Stream{
		wsURL:   wsURL,
		header:  header,
		markets: markets,
		handler: handler,
		logger:  logger.With(slog.String("component", "event_stream")),
	}
}

// Run connects and dispatches events until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		connectedAt := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// A session that lasted a while resets the backoff.
		if time.Since(connectedAt) > maxReconnectDelay {
			delay = reconnectDelay
		}
		s.logger.WarnContext(ctx, "event stream disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (s *Stream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, s.header)
	if err != nil {
		return fmt.Errorf("client/ws: connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger.InfoContext(ctx, "event stream connected", slog.Any("markets", s.markets))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("client/ws: read: %w", err)
		}
		var ev domain.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.DebugContext(ctx, "skipping malformed frame", slog.String("error", err.Error()))
			continue
		}
		s.handler(ev)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

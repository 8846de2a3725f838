package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

type recordingSender struct {
	name   string
	titles []string
	fail   bool
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	if r.fail {
		return errors.New("down")
	}
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingSender) Name() string { return r.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{string(domain.EventMarketResolved)}, discard())
	ctx := context.Background()

	require.NoError(t, n.NotifyEvent(ctx, domain.Event{Type: domain.EventBetPlaced}))
	require.NoError(t, n.NotifyEvent(ctx, domain.Event{Type: domain.EventMarketResolved}))
	require.NoError(t, n.NotifyAll(ctx, "startup", "node up"))

	assert.Equal(t, []string{"VEIL market resolved", "startup"}, s.titles)
}

func TestNotifier_CombinesSenderErrors(t *testing.T) {
	ok := &recordingSender{name: "ok"}
	n := NewNotifier([]Sender{&recordingSender{name: "bad", fail: true}, ok}, nil, discard())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, ok.titles, 1)
}

func TestFormatEvent(t *testing.T) {
	bettor := domain.Address{2}
	title, msg := FormatEvent(domain.Event{
		Type:   domain.EventPayoutClaimed,
		Market: domain.Address{1},
		Bettor: &bettor,
		Detail: map[string]any{"payout_amount": 294, "bet_amount": 100},
	})
	assert.Equal(t, "VEIL payout claimed", title)
	assert.Equal(t, "market="+domain.Address{1}.String()+"\nbettor="+bettor.String()+"\nbet_amount=100\npayout_amount=294", msg)
}

func TestDiscordSender_Send(t *testing.T) {
	var got struct {
		Embeds []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Color       int    `json:"color"`
		} `json:"embeds"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "VEIL computation failed", "market=abc"))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "VEIL computation failed", got.Embeds[0].Title)
	assert.Equal(t, "```\nmarket=abc\n```", got.Embeds[0].Description)
	assert.Equal(t, colorWarning, got.Embeds[0].Color)
	assert.Equal(t, "discord", s.Name())
}

func TestTelegramSender_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "VEIL market_resolved", "outcome=yes"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*VEIL market\\_resolved*\noutcome=yes", got["text"])
}

func TestTelegramSender_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"error status", http.StatusBadRequest, "nope", "unexpected status 400"},
		{"ok false", http.StatusOK, `{"ok":false,"description":"chat not found"}`, "chat not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s := NewTelegramSender("TOKEN", "42")
			s.baseURL = srv.URL
			err := s.Send(context.Background(), "T", "body")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

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
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotify_FansOutToEverySender(t *testing.T) {
	a := &recordingSender{name: "a", err: errors.New("down")}
	b := &recordingSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, nil, discardLogger())

	err := n.Notify(context.Background(), EventSettlementFailed, "settlement failed", "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: down")
	assert.Equal(t, []string{"settlement failed"}, a.titles)
	assert.Equal(t, []string{"settlement failed"}, b.titles)
}

func TestNotify_FiltersEvents(t *testing.T) {
	s := &recordingSender{name: "s"}
	n := NewNotifier([]Sender{s}, []string{EventCompensationFailed}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventSettlementFailed, "x", "y"))
	assert.Empty(t, s.titles)

	require.NoError(t, n.Notify(context.Background(), EventCompensationFailed, "x", "y"))
	assert.Len(t, s.titles, 1)
}

func TestNotify_NilNotifier(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Notify(context.Background(), EventSettlementFailed, "x", "y"))
}

func TestDiscordSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "Title", "body")
	require.NoError(t, err)
	assert.Equal(t, "**Title**\nbody", got["content"])
}

func TestTelegramSender(t *testing.T) {
	var path string
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	err := NewTelegramSender("tok", "42").WithBaseURL(srv.URL).Send(context.Background(), "Title", "body")
	require.NoError(t, err)
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

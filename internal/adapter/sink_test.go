package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/whale-tracker/internal/errors"
	"github.com/whale-tracker/internal/models"
	"github.com/whale-tracker/internal/types"
)

func testAlert() *models.Alert {
	return &models.Alert{
		ID:         "a-1",
		Type:       types.AlertWhaleTransfer,
		Priority:   types.AlertPriorityHigh,
		Title:      "Whale transfer 850 ETH",
		Message:    "850 ETH ($1.5M) moved to Binance 14",
		RelatedRef: "0xabc",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookSink(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		transient bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "accepted", status: http.StatusAccepted},
		{name: "server error", status: http.StatusBadGateway, wantErr: true, transient: true},
		{name: "client error", status: http.StatusBadRequest, wantErr: true, transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got WebhookPayload
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewWebhookSink(srv.URL, time.Second).Send(context.Background(), testAlert())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.transient, apperrors.IsTransient(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "whale_transfer", got.Type)
			assert.Equal(t, "high", got.Priority)
			assert.Equal(t, "0xabc", got.RelatedRef)
			assert.Equal(t, testAlert().CreatedAt, got.Timestamp)
		})
	}
}

func TestWebhookSinkTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	err := NewWebhookSink(srv.URL, 50*time.Millisecond).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func newTelegramServer(t *testing.T, sendStatus int) (*httptest.Server, chan map[string]string) {
	t.Helper()
	sent := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"tracker","username":"tracker_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			require.NoError(t, r.ParseForm())
			sent <- map[string]string{
				"chat_id":    r.FormValue("chat_id"),
				"text":       r.FormValue("text"),
				"parse_mode": r.FormValue("parse_mode"),
			}
			if sendStatus != http.StatusOK {
				w.WriteHeader(sendStatus)
				fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":"Too Many Requests"}`, sendStatus)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, sent
}

func TestTelegramSink(t *testing.T) {
	srv, sent := newTelegramServer(t, http.StatusOK)
	bot, err := tgbotapi.NewBotAPIWithClient("token", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	sink := NewTelegramSinkWithBot(bot, 42)
	require.NoError(t, sink.Send(context.Background(), testAlert()))

	msg := <-sent
	assert.Equal(t, "42", msg["chat_id"])
	assert.Equal(t, tgbotapi.ModeMarkdownV2, msg["parse_mode"])
	assert.Contains(t, msg["text"], "🚨 *Whale transfer 850 ETH*")
	assert.Contains(t, msg["text"], `\($1\.5M\)`)
}

func TestTelegramSinkFailureIsTransient(t *testing.T) {
	srv, _ := newTelegramServer(t, http.StatusTooManyRequests)
	bot, err := tgbotapi.NewBotAPIWithClient("token", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	err = NewTelegramSinkWithBot(bot, 42).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestTelegramSinkRespectsCancelledContext(t *testing.T) {
	srv, sent := newTelegramServer(t, http.StatusOK)
	bot, err := tgbotapi.NewBotAPIWithClient("token", srv.URL+"/bot%s/%s", srv.Client())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewTelegramSinkWithBot(bot, 42).Send(ctx, testAlert()), context.Canceled)
	assert.Empty(t, sent)
}

func TestEscapeMarkdownV2(t *testing.T) {
	assert.Equal(t, `a\_b\.c\!`, escapeMarkdownV2("a_b.c!"))
}

// newHangingTelegramServer answers getMe and holds every sendMessage until the client gives up
func newHangingTelegramServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"tracker","username":"tracker_bot"}}`)
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func TestTelegramSinkTimeout(t *testing.T) {
	srv := newHangingTelegramServer(t)
	sink, err := NewTelegramSinkWithEndpoint("token", srv.URL+"/bot%s/%s", 42, 100*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	err = sink.Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTelegramSinkHonoursDeadline(t *testing.T) {
	srv := newHangingTelegramServer(t)
	sink, err := NewTelegramSinkWithEndpoint("token", srv.URL+"/bot%s/%s", 42, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = sink.Send(ctx, testAlert())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, apperrors.IsTransient(err))
}

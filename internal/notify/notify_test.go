package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-pipeline/internal/models"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFormatAlert(t *testing.T) {
	text := FormatAlert(models.Alert{
		Severity: models.SeverityCritical,
		Title:    "Kill switch triggered for lead-qualifier",
		Message:  "token_limit_exceeded",
		Fields:   map[string]any{"run_id": "r1", "client_id": "c1", "skip": nil},
	})
	assert.Equal(t, "[CRITICAL] *CRITICAL*\nKill switch triggered for lead-qualifier\ntoken_limit_exceeded\n*client_id:* c1\n*run_id:* r1", text)
	assert.Equal(t, "[INFO] *INFO*\nhello", FormatAlert(models.Alert{Title: "hello"}))
}

func TestSlack_PostsWebhook(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewSlack(srv.URL, quietLogger())
	require.NoError(t, s.Alert(context.Background(), models.Alert{Severity: models.SeverityWarning, Title: "requeued"}))
	assert.Equal(t, "[WARN] *WARNING*\nrequeued", got["text"])
}

func TestSlack_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	assert.Error(t, NewSlack(srv.URL, quietLogger()).Alert(context.Background(), models.Alert{Title: "x"}))
	assert.NoError(t, NewSlack("", quietLogger()).Alert(context.Background(), models.Alert{Title: "x"}))
}

func TestSendGrid_Accepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		var msg sgMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "dana@acme.io", msg.Personalizations[0].To[0].Email)
		assert.Equal(t, "ops@agency.dev", msg.From.Email)
		assert.Equal(t, "Quick idea", msg.Subject)
		w.Header().Set("X-Message-Id", "msg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSendGrid("sg-key", srv.URL, "ops@agency.dev", "Ops", quietLogger())
	res, err := s.Send(context.Background(), models.OutboundEmail{To: "dana@acme.io", ToName: "Dana", Subject: "Quick idea", Body: "Hi Dana"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 202, res.StatusCode)
	assert.Equal(t, "msg-123", res.MessageID)
	assert.Equal(t, "sendgrid", res.Provider)
}

func TestSendGrid_RejectedIsAResultNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"bad from"}]}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := NewSendGrid("sg-key", srv.URL, "ops@agency.dev", "", quietLogger())
	res, err := s.Send(context.Background(), models.OutboundEmail{To: "dana@acme.io", Subject: "s", Body: "b"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 400, res.StatusCode)
	assert.Contains(t, res.Error, "bad from")
}

func TestSendGrid_NotConfigured(t *testing.T) {
	res, err := NewSendGrid("", "", "", "", quietLogger()).Send(context.Background(), models.OutboundEmail{To: "a@b.co"})
	require.Error(t, err)
	assert.False(t, res.OK())
}

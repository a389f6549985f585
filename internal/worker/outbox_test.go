package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-pipeline/internal/models"
	"lead-pipeline/internal/store/memstore"
)

type stubSender struct {
	failFor map[string]bool
	sent    []string
}

func (s *stubSender) Send(_ context.Context, e models.OutboundEmail) (models.SendResult, error) {
	if s.failFor[e.To] {
		return models.SendResult{Provider: "sendgrid", StatusCode: 503, Error: "unavailable"}, nil
	}
	s.sent = append(s.sent, e.To)
	return models.SendResult{Provider: "sendgrid", StatusCode: 202, MessageID: "m-" + e.To}, nil
}

func approve(t *testing.T, st *memstore.Store, to string) models.OutboxEmail {
	t.Helper()
	ctx := context.Background()
	e, err := st.InsertOutboxEmail(ctx, models.OutboxEmail{ClientID: "c1", ToEmail: to, Subject: "hi", Body: "body"})
	require.NoError(t, err)
	e, err = st.ApproveOutbox(ctx, e.ID, "ops@agency.io", time.Now())
	require.NoError(t, err)
	return e
}

func TestOutboxSender_SendsApprovedOnly(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	ok := approve(t, st, "ann@x.com")
	failing := approve(t, st, "bob@y.com")
	held := approve(t, st, "eve@z.com")
	_, err := st.InsertOutboxEmail(ctx, models.OutboxEmail{ClientID: "c1", ToEmail: "queued@x.com", Subject: "s", Body: "b"})
	require.NoError(t, err)
	_, err = st.AddSuppression(ctx, models.SuppressionEntry{ClientID: "c1", Email: "eve@z.com"})
	require.NoError(t, err)

	sender := &stubSender{failFor: map[string]bool{"bob@y.com": true}}
	o := NewOutboxSender(st, sender, 10, "lead-qualifier", quietLogger())

	n, err := o.SendApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ann@x.com"}, sender.sent)

	got, err := st.GetOutboxEmail(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxSent, got.Status)
	assert.Equal(t, "sendgrid", got.SendProvider)

	for _, id := range []string{failing.ID, held.ID} {
		got, err := st.GetOutboxEmail(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.OutboxApproved, got.Status)
	}

	history := st.EmailHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "ann@x.com", history[0].LeadEmail)
	assert.Equal(t, "lead-qualifier", history[0].AutomationName)

	n, err = o.SendApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOutboxSender_DeliverSuppressed(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	e := approve(t, st, "eve@z.com")
	_, err := st.AddSuppression(ctx, models.SuppressionEntry{ClientID: "c1", Email: "eve@z.com"})
	require.NoError(t, err)

	sender := &stubSender{}
	_, err = NewOutboxSender(st, sender, 10, "lead-qualifier", quietLogger()).Deliver(ctx, e)
	assert.ErrorIs(t, err, ErrRecipientSuppressed)
	assert.Empty(t, sender.sent)
}

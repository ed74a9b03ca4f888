package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safehold/internal/escrow"
	"github.com/mbd888/safehold/internal/metrics"
)

type stubNotifier struct {
	got []escrow.Notification
	err error
}

func (s *stubNotifier) Notify(_ context.Context, n escrow.Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestFanout_DeliversOnEveryChannel(t *testing.T) {
	webhook := &stubNotifier{err: errors.New("endpoint down")}
	push := &stubNotifier{}
	f := NewFanout(nil,
		Channel{Name: "test_webhook", Notifier: webhook},
		Channel{Name: "unused", Notifier: nil},
		Channel{Name: "test_push", Notifier: push},
	)

	before := counterValue(t, metrics.NotificationFailuresTotal.WithLabelValues("test_webhook"))
	err := f.Notify(context.Background(), escrow.Notification{UserID: "seller_s", Title: "Funds released"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_webhook")
	assert.Len(t, webhook.got, 1)
	assert.Len(t, push.got, 1, "a failing channel must not block the others")
	assert.Equal(t, before+1, counterValue(t, metrics.NotificationFailuresTotal.WithLabelValues("test_webhook")))
}

func TestFanout_NoChannels(t *testing.T) {
	assert.NoError(t, NewFanout(nil).Notify(context.Background(), escrow.Notification{UserID: "u"}))
}

func TestLog_NeverFails(t *testing.T) {
	assert.NoError(t, NewLog(nil).Notify(context.Background(), escrow.Notification{UserID: "u", Title: "Refund issued"}))
}

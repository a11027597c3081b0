package analyzer

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/meter-telemetry/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestDispatcher(store *fakeStore, n Notifier) *Dispatcher {
	d := NewDispatcher(store, store, NewStoreRateLimiter(store, 5), n, zerolog.Nop(), nil)
	d.now = func() time.Time { return testNow }
	return d
}

func TestDispatcher_DedupesPerMeterAndType(t *testing.T) {
	store := newFakeStore()
	n := &fakeNotifier{}
	d := newTestDispatcher(store, n)

	triggers := []domain.Trigger{
		domain.NewTrigger(domain.TriggerHighUsage, domain.SeverityHigh, "m1", "a", nil, testNow),
		domain.NewTrigger(domain.TriggerHighUsage, domain.SeverityHigh, "m1", "b", nil, testNow),
		domain.NewTrigger(domain.TriggerHighUsage, domain.SeverityHigh, "m2", "c", nil, testNow),
		domain.NewTrigger(domain.TriggerUsageSpike, domain.SeverityMedium, "m1", "d", nil, testNow),
	}
	result := d.Dispatch(context.Background(), triggers)

	if result.Fired != 3 {
		t.Errorf("expected 3 fired, got %d", result.Fired)
	}
	if len(store.triggers) != 3 || n.count() != 3 {
		t.Errorf("expected 3 logged and notified, got %d and %d", len(store.triggers), n.count())
	}
	if len(store.alerts) != 3 {
		t.Errorf("expected 3 alerts recorded, got %d", len(store.alerts))
	}
}

func TestDispatcher_CategoryMessages(t *testing.T) {
	tests := []struct {
		tt     domain.TriggerType
		prefix string
	}{
		{domain.TriggerCommunicationGaps, "Communication issue"},
		{domain.TriggerOutlier, "Usage anomaly"},
		{domain.TriggerMaintenanceDue, "Maintenance notice"},
	}
	for _, tt := range tests {
		t.Run(string(tt.tt), func(t *testing.T) {
			store := newFakeStore()
			n := &fakeNotifier{}
			d := newTestDispatcher(store, n)

			d.Dispatch(context.Background(), []domain.Trigger{
				domain.NewTrigger(tt.tt, domain.SeverityLow, "m1", "detail", nil, testNow),
			})
			if n.count() != 1 {
				t.Fatalf("expected one alert, got %d", n.count())
			}
			msg := n.sent[0].Message
			if !strings.HasPrefix(msg, tt.prefix) || !strings.HasSuffix(msg, "detail") {
				t.Errorf("unexpected alert message %q", msg)
			}
			if n.sent[0].AlertType != tt.tt {
				t.Errorf("expected alert type %s, got %s", tt.tt, n.sent[0].AlertType)
			}
		})
	}
}

func TestDispatcher_NotifyFailureIsNotRecorded(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(store, &fakeNotifier{err: errors.New("broker down")})

	result := d.Dispatch(context.Background(), []domain.Trigger{
		domain.NewTrigger(domain.TriggerOutlier, domain.SeverityLow, "m1", "x", nil, testNow),
	})
	if result.Failed != 1 || result.Sent != 0 {
		t.Errorf("expected a failed dispatch, got %+v", result)
	}
	if len(store.triggers) != 1 {
		t.Error("expected trigger logged before dispatch")
	}
	if len(store.alerts) != 0 {
		t.Error("expected no alert recorded for a failed notification")
	}
}

func TestMultiNotifier(t *testing.T) {
	first := &fakeNotifier{err: errors.New("down")}
	second := &fakeNotifier{}
	err := MultiNotifier{first, second}.Notify(context.Background(), domain.Alert{MeterID: "m1"})
	if err == nil {
		t.Error("expected first error returned")
	}
	if second.count() != 1 {
		t.Error("expected later notifiers still called")
	}
}

func TestRedisRateLimiter(t *testing.T) {
	addr := os.Getenv("TELEMETRY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TELEMETRY_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	l := NewRedisRateLimiter(client, 2)
	l.prefix = "telemetry:test:" + t.Name()
	defer client.Del(ctx, l.key("m1", domain.TriggerOutlier))

	for i := 0; i < 2; i++ {
		at := testNow.Add(time.Duration(i) * time.Minute)
		ok, err := l.Allow(ctx, "m1", domain.TriggerOutlier, at)
		if err != nil || !ok {
			t.Fatalf("expected alert %d allowed, got %v %v", i, ok, err)
		}
		if err := l.Mark(ctx, domain.Alert{MeterID: "m1", AlertType: domain.TriggerOutlier, SentAt: at}); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	if ok, _ := l.Allow(ctx, "m1", domain.TriggerOutlier, testNow.Add(5*time.Minute)); ok {
		t.Error("expected third alert limited")
	}
	if ok, _ := l.Allow(ctx, "m1", domain.TriggerOutlier, testNow.Add(61*time.Minute)); !ok {
		t.Error("expected alert allowed after the window rolled")
	}
}

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tgsender/internal/broadcast"
	"tgsender/internal/eventbus"
	"tgsender/internal/metrics"
	logx "tgsender/pkg/logx"
)

type memPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *memPublisher) PublishJSON(_ context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func TestForwarder_PublishesEnvelope(t *testing.T) {
	t.Parallel()

	pub := &memPublisher{}
	m := metrics.New(nil)
	f := NewForwarder(pub, logx.Nop(), m)

	ch := make(chan eventbus.Event, 1)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ch <- eventbus.Event{Type: broadcast.EventRunComplete, Time: at, Data: broadcast.RunRecord{ID: "run-1", Status: "success", TotalCount: 2}}
	close(ch)
	if err := f.Run(context.Background(), ch); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(pub.bodies) != 1 {
		t.Fatalf("published %d, want 1", len(pub.bodies))
	}
	var got struct {
		Type string              `json:"type"`
		Time time.Time           `json:"time"`
		Data broadcast.RunRecord `json:"data"`
	}
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != broadcast.EventRunComplete || !got.Time.Equal(at) || got.Data.ID != "run-1" || got.Data.TotalCount != 2 {
		t.Fatalf("envelope=%+v", got)
	}
	if v := testutil.ToFloat64(m.EventsPublished.WithLabelValues("ok")); v != 1 {
		t.Fatalf("ok counter=%v", v)
	}
}

func TestForwarder_PublishErrorIsCounted(t *testing.T) {
	t.Parallel()

	pub := &memPublisher{err: errors.New("channel closed")}
	m := metrics.New(nil)
	f := NewForwarder(pub, logx.Nop(), m)

	ch := make(chan eventbus.Event, 2)
	ch <- eventbus.Event{Type: broadcast.EventRunComplete, Data: broadcast.RunRecord{ID: "a"}}
	ch <- eventbus.Event{Type: broadcast.EventRunComplete, Data: broadcast.RunRecord{ID: "b"}}
	close(ch)
	_ = f.Run(context.Background(), ch)

	if v := testutil.ToFloat64(m.EventsPublished.WithLabelValues("error")); v != 2 {
		t.Fatalf("error counter=%v, want 2", v)
	}
}

func TestForwarder_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := NewForwarder(&memPublisher{}, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, make(chan eventbus.Event)) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("forwarder did not stop")
	}
}

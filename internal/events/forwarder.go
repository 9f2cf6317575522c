// Package events forwards engine events to an external message broker so
// other services can react to finished runs and schedule changes.
package events

import (
	"context"
	"encoding/json"
	"time"

	"tgsender/internal/eventbus"
	"tgsender/internal/metrics"
	logx "tgsender/pkg/logx"
)

const publishTimeout = 5 * time.Second

type Publisher interface {
	PublishJSON(ctx context.Context, body []byte) error
}

// Envelope is the wire shape of every forwarded event.
type Envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type Forwarder struct {
	pub     Publisher
	log     logx.Logger
	metrics *metrics.Metrics
}

func NewForwarder(pub Publisher, log logx.Logger, m *metrics.Metrics) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{pub: pub, log: log.With(logx.String("comp", "events")), metrics: m}
}

// Run publishes every event from ch until ctx is done or ch closes. A
// failed publish is logged and counted; the event is not retried.
func (f *Forwarder) Run(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev eventbus.Event) {
	body, err := json.Marshal(Envelope{Type: ev.Type, Time: ev.Time, Data: ev.Data})
	if err != nil {
		f.log.Warn("event not encodable", logx.String("type", ev.Type), logx.Err(err))
		f.metrics.EventPublished(false)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	err = f.pub.PublishJSON(pctx, body)
	cancel()
	if err != nil {
		f.log.Warn("event publish failed", logx.String("type", ev.Type), logx.Err(err))
		f.metrics.EventPublished(false)
		return
	}
	f.log.Debug("event published", logx.String("type", ev.Type), logx.Int("bytes", len(body)))
	f.metrics.EventPublished(true)
}

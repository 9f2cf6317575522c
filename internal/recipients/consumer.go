package recipients

import (
	"context"

	"tgsender/internal/broadcast"
	"tgsender/internal/eventbus"
	logx "tgsender/pkg/logx"
)

// Consume records finished runs from the bus into the message history
// until ctx is done or the channel closes.
func (d *Directory) Consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			run, ok := ev.Data.(broadcast.RunRecord)
			if !ok {
				continue
			}
			if err := d.RecordRun(ctx, run); err != nil {
				d.log.Warn("message history not saved", logx.String("run", run.ID), logx.Err(err))
			}
		}
	}
}

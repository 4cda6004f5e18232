package feed

import (
	"context"

	"github.com/hackgods/clinic-appointment-core/internal/appointment"
)

// Fanout publishes each event to its sinks in order and stops at the first
// failure. Put sinks that may fail and be retried before sinks with side
// effects that must happen once.
type Fanout []appointment.EventSink

func (f Fanout) Publish(ctx context.Context, ev appointment.Event) error {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

package bus

import (
	"context"
	"encoding/json"

	"github.com/odvcencio/scribe/pkg/telemetry"
)

// ForwardTelemetry republishes hub events on <prefix>.telemetry.<type> until
// ctx is done or the hub closes. Events from other processes are not echoed
// back into the hub.
func ForwardTelemetry(ctx context.Context, hub *telemetry.Hub, b MessageBus, subjects Subjects) {
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = b.Publish(ctx, subjects.Of(TelemetryPrefix, string(ev.Type)), data)
		}
	}
}

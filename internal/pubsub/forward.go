package pubsub

import (
	"context"

	"go.uber.org/zap"

	"vettrack/internal/tracking"
)

// ViewSource is satisfied by the tracking engine
type ViewSource interface {
	Subscribe() (<-chan tracking.View, func())
}

// Forward publishes every view change of an emergency until ctx is
// cancelled or the source closes the subscription.
func (b *Bus) Forward(ctx context.Context, emergencyID string, src ViewSource) {
	views, unsubscribe := src.Subscribe()
	defer unsubscribe()

	channel := ViewChannel(emergencyID)
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			msg := map[string]interface{}{
				"type":     "emergency.view",
				"revision": v.Revision,
				"data":     v,
			}
			if err := b.Publish(ctx, channel, msg); err != nil && ctx.Err() == nil {
				b.log.Debug("View not mirrored", zap.Int64("revision", v.Revision), zap.Error(err))
			}
		}
	}
}

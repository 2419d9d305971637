package eventpipe

import (
	"context"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/sink"
)

// TrackScreen emits screen_view for name. If another screen was showing,
// screen_exited is emitted for it first, carrying how long it was shown.
func (d *Dispatcher) TrackScreen(ctx context.Context, name string, props event.Properties) {
	sinks, ok := d.gate(ctx, "screen_view", false)
	if !ok {
		return
	}
	if name == "" {
		d.metrics.RecordSuppressed(ctx, reasonEmptyName)
		d.logger.Debug("screen view without a screen name ignored")
		return
	}

	now := d.now().UnixMilli()
	prev := d.exitScreen(ctx, now)

	d.mu.Lock()
	d.screen = &screenVisit{name: name, startedAt: now}
	d.mu.Unlock()

	props = props.Clone()
	props["screen_name"] = event.String(name)
	if prev != "" {
		props["previous_screen"] = event.String(prev)
	}
	e := d.build(ctx, "screen", "screen_view", props)
	d.fanOut(sinks, "track_screen", func(s sink.Sink) error { return s.TrackScreen(ctx, e.Clone()) })
}

// exitScreen emits screen_exited for the current screen, if any, and
// returns its name.
func (d *Dispatcher) exitScreen(ctx context.Context, nowMs int64) string {
	d.mu.Lock()
	visit := d.screen
	d.screen = nil
	d.mu.Unlock()
	if visit == nil {
		return ""
	}

	d.TrackEvent(ctx, "screen_exited", event.Properties{
		"screen_name": event.String(visit.name),
		"duration_ms": event.Int(max(nowMs-visit.startedAt, 0)),
	})
	return visit.name
}

package funnel_test

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/config"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/consent"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/funnel"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/sink"
	"github.com/randalmurphal/eventpipe/pkg/eventpipe/storage"
)

// fakePipeline records emitted events.
type fakePipeline struct {
	mu      sync.Mutex
	enabled bool
	events  []string
	stages  []int64
	hooks   []consent.RevokeFunc
}

func (f *fakePipeline) TrackEvent(_ context.Context, name string, props event.Properties) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, name)
	f.stages = append(f.stages, int64(props["funnel_stage"].Float()))
}

func (f *fakePipeline) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakePipeline) OnConsentRevoked(fn consent.RevokeFunc) {
	f.hooks = append(f.hooks, fn)
}

func TestRates_ConversionAndDropOff(t *testing.T) {
	counts := funnel.Counts{
		funnel.StageDiscovery: 100,
		funnel.StageView:      50,
		funnel.StagePurchase:  10,
	}
	conversion, dropOffs := funnel.Rates(counts)
	assert.InDelta(t, 10.0, conversion, 1e-9)
	require.Len(t, dropOffs, len(funnel.Stages)-1)
	assert.Equal(t, funnel.StageDiscovery, dropOffs[0].From)
	assert.Equal(t, funnel.StageView, dropOffs[0].To)
	assert.InDelta(t, 50.0, dropOffs[0].Rate, 1e-9)
	assert.InDelta(t, 100.0, dropOffs[1].Rate, 1e-9)
	assert.Zero(t, dropOffs[2].Rate, "zero denominator yields 0")
}

func TestRates_ZeroCounts(t *testing.T) {
	conversion, dropOffs := funnel.Rates(funnel.Counts{})
	assert.Zero(t, conversion)
	for _, d := range dropOffs {
		assert.False(t, math.IsNaN(d.Rate))
		assert.Zero(t, d.Rate)
	}
}

func TestStage_Ordinal(t *testing.T) {
	assert.Equal(t, 1, funnel.StageDiscovery.Ordinal())
	assert.Equal(t, 6, funnel.StagePurchase.Ordinal())
	assert.Equal(t, 0, funnel.Stage("refund").Ordinal())
	assert.Equal(t, "funnel_add_to_cart", funnel.StageAddToCart.EventName())

	s, err := funnel.ParseStage("checkout")
	require.NoError(t, err)
	assert.Equal(t, funnel.StageCheckout, s)
	_, err = funnel.ParseStage("refund")
	assert.ErrorIs(t, err, funnel.ErrUnknownStage)
}

func TestTracker_CountsAndEmits(t *testing.T) {
	ctx := context.Background()
	p := &fakePipeline{enabled: true}
	store := storage.NewMemoryStore()
	tr := funnel.New(p, store, "session-1")

	tr.TrackDiscovery(ctx, nil)
	tr.TrackDiscovery(ctx, nil)
	tr.TrackView(ctx, event.Properties{"item_id": event.String("sku")})
	tr.TrackAddToCart(ctx, nil)
	tr.TrackCheckout(ctx, nil)
	tr.TrackPayment(ctx, nil)
	tr.TrackPurchase(ctx, nil)

	assert.Equal(t, []string{
		"funnel_discovery", "funnel_discovery", "funnel_view", "funnel_add_to_cart",
		"funnel_checkout", "funnel_payment", "funnel_purchase",
	}, p.events)
	assert.Equal(t, []int64{1, 1, 2, 3, 4, 5, 6}, p.stages)

	st, err := tr.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Lifetime[funnel.StageDiscovery])
	assert.Equal(t, int64(2), st.Session[funnel.StageDiscovery])
	assert.InDelta(t, 50.0, st.ConversionRate, 1e-9)
	assert.InDelta(t, 50.0, st.DropOffs[0].Rate, 1e-9)

	_, err = store.Get(ctx, storage.KeyFunnel)
	assert.NoError(t, err, "counters are persisted")
}

func TestTracker_SuppressedWhileDisabled(t *testing.T) {
	ctx := context.Background()
	p := &fakePipeline{enabled: false}
	store := storage.NewMemoryStore()
	tr := funnel.New(p, store, "session-1")

	tr.TrackDiscovery(ctx, nil)
	tr.TrackStage(ctx, funnel.Stage("refund"), nil)

	st, err := tr.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Lifetime[funnel.StageDiscovery])
	assert.Empty(t, p.events)
	assert.Equal(t, 0, store.Len())
}

func TestTracker_SessionScope(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := &fakePipeline{enabled: true}

	first := funnel.New(p, store, "session-1")
	first.TrackDiscovery(ctx, nil)
	first.TrackView(ctx, nil)

	same := funnel.New(p, store, "session-1")
	st, err := same.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Session[funnel.StageView])

	next := funnel.New(p, store, "session-2")
	next.TrackDiscovery(ctx, nil)
	st, err = next.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Lifetime[funnel.StageDiscovery])
	assert.Equal(t, int64(1), st.Session[funnel.StageDiscovery])
	assert.Zero(t, st.Session[funnel.StageView])
}

func TestTracker_ResetAndRevokeHook(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	p := &fakePipeline{enabled: true}
	tr := funnel.New(p, store, "session-1")
	require.Len(t, p.hooks, 1)

	tr.TrackDiscovery(ctx, nil)
	require.NoError(t, tr.Reset(ctx))
	st, err := tr.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Lifetime[funnel.StageDiscovery])
	assert.Equal(t, 0, store.Len())

	tr.TrackDiscovery(ctx, nil)
	require.NoError(t, p.hooks[0](ctx))
	st, err = tr.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Session[funnel.StageDiscovery])
}

func TestTracker_WithDispatcherRevocation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	pt := sink.NewPassthroughSink("sdk", nil)
	d := eventpipe.New(eventpipe.WithStore(store), eventpipe.WithSink(pt))
	require.NoError(t, d.Initialize(ctx, config.DefaultSettings))
	t.Cleanup(func() { _ = d.Shutdown(ctx) })

	tr := funnel.ForDispatcher(d)
	tr.TrackDiscovery(ctx, nil)
	st, err := tr.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Lifetime[funnel.StageDiscovery], "no counting without consent")

	require.NoError(t, d.SetConsent(ctx, true))
	tr.TrackDiscovery(ctx, nil)
	tr.TrackView(ctx, nil)
	assert.Equal(t, 3, pt.Calls("track"), "session_started plus two stages")

	require.NoError(t, d.SetConsent(ctx, false))
	st, err = tr.State(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Lifetime[funnel.StageDiscovery])
	_, err = store.Get(ctx, storage.KeyFunnel)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	st, err := funnel.ReadState(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, st.Lifetime[funnel.StageDiscovery])

	tr := funnel.New(&fakePipeline{enabled: true}, store, "session-1")
	tr.TrackDiscovery(ctx, nil)
	tr.TrackPurchase(ctx, nil)

	st, err = funnel.ReadState(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Lifetime[funnel.StagePurchase])
	assert.InDelta(t, 100.0, st.ConversionRate, 1e-9)
}

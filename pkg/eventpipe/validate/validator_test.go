package validate

import (
	"math"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/randalmurphal/eventpipe/pkg/eventpipe/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEventName_LowercaseNamesAreValid(t *testing.T) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789_"
	rng := rand.New(rand.NewSource(1))
	v := New()

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(MaxNameLength)
		var b strings.Builder
		for j := 0; j < n; j++ {
			b.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		name := b.String()

		r := v.ValidateEventName(name)
		require.True(t, r.Valid, "name %q", name)
		require.Empty(t, r.Errors, "name %q", name)
		require.Empty(t, r.Warnings, "name %q", name)
	}
}

func TestValidateEventName_Rules(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		valid    bool
		errors   int
		warnings int
	}{
		{"empty", "", false, 1, 0},
		{"too long", strings.Repeat("a", 41), true, 0, 1},
		{"whitespace", "button click", false, 1, 0},
		{"mixed case", "ButtonClick", true, 0, 1},
		{"invalid chars", "button-click", false, 1, 0},
		{"all three", "Button click!", false, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New().ValidateEventName(tt.in)
			assert.Equal(t, tt.valid, r.Valid)
			assert.Len(t, r.Errors, tt.errors, r.Errors)
			assert.Len(t, r.Warnings, tt.warnings, r.Warnings)
		})
	}
}

func TestValidateEvent_Schema(t *testing.T) {
	v := New()

	r := v.ValidateEvent("purchase", event.Properties{
		"value": event.Number(10),
		"promo": event.String("spring"),
	})
	assert.False(t, r.Valid)
	assert.Len(t, r.Errors, 2, "transaction_id and currency missing")
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], `"promo"`)

	r = v.ValidateEvent("custom_event", event.Properties{"anything": event.Bool(true)})
	assert.True(t, r.Valid)
	assert.Empty(t, r.Warnings, "events without schema accept any key")
}

func TestValidateEvent_RegisterSchema(t *testing.T) {
	v := New(WithSchemas())
	v.RegisterSchema(Schema{Name: "booking_started", Required: []string{"store_id"}})

	r := v.ValidateEvent("booking_started", nil)
	assert.False(t, r.Valid)

	r = v.ValidateEvent("purchase", nil)
	assert.True(t, r.Valid, "default schemas were replaced")
}

func TestValidateEvent_Values(t *testing.T) {
	r := New().ValidateEvent("profile_updated", event.Properties{
		"broken": {},
		"bio":    event.String(strings.Repeat("x", 1001)),
		"prefs":  event.Blob([]byte(`{"dark":true}`)),
		"tags":   event.Blob([]byte(`["a"]`)),
		"ok":     event.Number(1),
	})

	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], `"broken"`)
	assert.Len(t, r.Warnings, 2)
}

func TestValidateEvent_FunnelSchemasAcceptCallerProperties(t *testing.T) {
	v := New()

	r := v.ValidateEvent("funnel_view", event.Properties{
		"funnel_stage": event.String("view"),
		"product_id":   event.String("sku-1"),
		"price":        event.Number(19.99),
	})
	assert.True(t, r.Valid)
	assert.Empty(t, r.Warnings)

	r = v.ValidateEvent("funnel_view", event.Properties{"product_id": event.String("sku-1")})
	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "funnel_stage")
}

func TestValidateEvent_NonFiniteNumbersAreErrors(t *testing.T) {
	nan, err := event.FromAny(math.NaN())
	require.Error(t, err)
	assert.False(t, nan.IsValid())

	r := New().ValidateEvent("reading_taken", event.Properties{
		"ratio": nan,
		"inf":   event.Number(math.Inf(1)),
		"ok":    event.Number(0.5),
	})
	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 2)
	for _, msg := range r.Errors {
		assert.Contains(t, msg, "not serializable")
	}
}

func TestValidateEvent_EmptyNameStopsEarly(t *testing.T) {
	r := New().ValidateEvent("", event.Properties{"broken": {}})
	assert.False(t, r.Valid)
	assert.Len(t, r.Errors, 1)
}

func TestValidateEvent_LoopDetection(t *testing.T) {
	v := New(WithLoopThreshold(3), WithLoopWindow(time.Minute))

	for i := 0; i < 3; i++ {
		assert.Empty(t, v.ValidateEvent("tick", nil).Warnings)
	}
	r := v.ValidateEvent("tick", nil)
	require.Len(t, r.Warnings, 1)
	assert.Contains(t, r.Warnings[0], "possible tracking loop")
	assert.True(t, r.Valid, "loop warnings never invalidate")

	assert.Empty(t, v.ValidateEvent("other", nil).Warnings, "counters are per name")

	v.Reset()
	assert.Empty(t, v.ValidateEvent("tick", nil).Warnings)
}

func TestValidateEvent_LoopWindowExpires(t *testing.T) {
	v := New(WithLoopThreshold(1), WithLoopWindow(20*time.Millisecond))

	v.ValidateEvent("tick", nil)
	assert.NotEmpty(t, v.ValidateEvent("tick", nil).Warnings)

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, v.ValidateEvent("tick", nil).Warnings)
}

func TestValidator_InstancesAreIsolated(t *testing.T) {
	a := New(WithLoopThreshold(1))
	b := New(WithLoopThreshold(1))

	a.ValidateEvent("tick", nil)
	a.ValidateEvent("tick", nil)
	assert.Empty(t, b.ValidateEvent("tick", nil).Warnings)
}

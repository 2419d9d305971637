package validate

import "sync"

// Schema lists the property keys expected on one event name.
type Schema struct {
	// Name is the event name the schema applies to.
	Name string

	// Required keys must be present.
	Required []string

	// Optional keys may be present. Keys outside Required and Optional
	// produce a warning unless Open is set.
	Optional []string

	// Open accepts any extra key without a warning.
	Open bool
}

func (s Schema) allows(key string) bool {
	if s.Open {
		return true
	}
	for _, k := range s.Required {
		if k == key {
			return true
		}
	}
	for _, k := range s.Optional {
		if k == key {
			return true
		}
	}
	return false
}

// DefaultSchemas returns the schemas for the events the pipeline emits
// itself.
func DefaultSchemas() []Schema {
	return []Schema{
		{Name: "session_started", Optional: []string{"consent_version"}},
		{Name: "screen_view", Required: []string{"screen_name"}, Optional: []string{"previous_screen"}},
		{Name: "screen_exited", Required: []string{"screen_name", "duration_ms"}},
		{
			Name:     "purchase",
			Required: []string{"transaction_id", "value", "currency"},
			Optional: []string{"item_count", "items"},
		},
		{Name: "error", Required: []string{"error_message"}, Optional: []string{"error_type", "context"}},
		{Name: "funnel_discovery", Required: []string{"funnel_stage"}, Open: true},
		{Name: "funnel_view", Required: []string{"funnel_stage"}, Open: true},
		{Name: "funnel_add_to_cart", Required: []string{"funnel_stage"}, Open: true},
		{Name: "funnel_checkout", Required: []string{"funnel_stage"}, Open: true},
		{Name: "funnel_payment", Required: []string{"funnel_stage"}, Open: true},
		{Name: "funnel_purchase", Required: []string{"funnel_stage"}, Open: true},
	}
}

// schemaTable is a concurrency-safe name to schema lookup.
type schemaTable struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func newSchemaTable(schemas []Schema) *schemaTable {
	t := &schemaTable{schemas: make(map[string]Schema, len(schemas))}
	for _, s := range schemas {
		t.schemas[s.Name] = s
	}
	return t
}

func (t *schemaTable) get(name string) (Schema, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.schemas[name]
	return s, ok
}

func (t *schemaTable) set(s Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemas[s.Name] = s
}

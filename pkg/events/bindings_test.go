package events

import (
	"reflect"
	"testing"
)

// fakeBinder records per-event listeners the same way the transport does.
type fakeBinder struct {
	listeners map[string]func(data any)
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{listeners: make(map[string]func(data any))}
}

func (f *fakeBinder) OnServerEvent(name string, fn func(data any)) {
	f.listeners[name] = fn
}

func (f *fakeBinder) push(t *testing.T, name string, data any) {
	t.Helper()
	fn, ok := f.listeners[name]
	if !ok {
		t.Fatalf("no listener bound for %q", name)
	}
	fn(data)
}

func TestBindTransportCoversVocabulary(t *testing.T) {
	h := NewHub()
	b := newFakeBinder()

	h.BindTransport(b)

	for _, name := range ServerEvents() {
		if _, ok := b.listeners[name]; !ok {
			t.Errorf("no listener bound for %q", name)
		}
	}
	if len(b.listeners) != len(ServerEvents()) {
		t.Errorf("bound %d listeners, want %d", len(b.listeners), len(ServerEvents()))
	}
}

func TestPayloadUnwrapping(t *testing.T) {
	inner := map[string]any{"x": float64(1)}

	tests := []struct {
		name string
		data any
		want any
	}{
		{"first element of array", []any{inner}, inner},
		{"arguments field", map[string]any{"arguments": []any{inner}}, inner},
		{"bare object", inner, inner},
		{"empty array passes through", []any{}, []any{}},
		{"empty arguments passes through", map[string]any{"arguments": []any{}}, map[string]any{"arguments": []any{}}},
		{"non-array arguments passes through", map[string]any{"arguments": "nope"}, map[string]any{"arguments": "nope"}},
		{"scalar passes through", float64(42), float64(42)},
		{"nil passes through", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub()
			b := newFakeBinder()
			h.BindTransport(b)

			var got any
			called := 0
			h.On(TodoUpdated, func(p any) {
				got = p
				called++
			})

			b.push(t, TodoUpdated, tt.data)

			if called != 1 {
				t.Fatalf("handler ran %d times, want 1", called)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("payload = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestBindingRoutesByName(t *testing.T) {
	h := NewHub()
	b := newFakeBinder()
	h.BindTransport(b)

	todos := 0
	features := 0
	h.On(TodoUpdated, func(_ any) { todos++ })
	h.On(FeatureUpdated, func(_ any) { features++ })

	b.push(t, FeatureUpdated, []any{map[string]any{"id": "f1"}})

	if todos != 0 {
		t.Errorf("todoUpdated handler ran %d times, want 0", todos)
	}
	if features != 1 {
		t.Errorf("featureUpdated handler ran %d times, want 1", features)
	}
}

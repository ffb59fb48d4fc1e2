package events

// Binder is the transport surface the hub binds to: per-event-name listener
// registration for inbound server messages. Implemented by the realtime
// transport; kept here so the transport can depend on this package and not
// the other way around.
type Binder interface {
	OnServerEvent(name string, fn func(data any))
}

// BindTransport subscribes the hub to every known server event name on b.
// Each listener unwraps the wire payload and emits under the same name.
// Called once per transport instance; a reconnect that replaces the
// transport rebinds against the new instance.
func (h *Hub) BindTransport(b Binder) {
	for _, name := range ServerEvents() {
		b.OnServerEvent(name, func(data any) {
			h.Emit(name, ExtractPayload(data))
		})
	}
}

// ExtractPayload unwraps the wire envelope around an event payload. The
// server nests the real payload either as the first element of an array or
// inside an "arguments" array field; anything else passes through as-is,
// including shapes that merely look close (empty arrays, a non-array
// "arguments" value).
func ExtractPayload(v any) any {
	switch t := v.(type) {
	case []any:
		if len(t) > 0 {
			return t[0]
		}
	case map[string]any:
		if args, ok := t["arguments"].([]any); ok && len(args) > 0 {
			return args[0]
		}
	}
	return v
}

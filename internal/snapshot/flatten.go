package snapshot

import "encoding/json"

// Event is one decoded recorder event. Numbers are kept as json.Number.
type Event map[string]any

// IsEvent reports whether v is a structurally valid event: an object with a
// numeric type discriminant.
func IsEvent(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	switch obj["type"].(type) {
	case json.Number, float64:
		return true
	}
	return false
}

// Flatten collapses arbitrarily nested arrays into one ordered list of
// events. A bare event object becomes a one-element list; anything that is
// neither an array nor an event is dropped.
func Flatten(v any) []Event {
	out := []Event{}
	flattenInto(v, &out)
	return out
}

func flattenInto(v any, out *[]Event) {
	switch t := v.(type) {
	case []any:
		for _, el := range t {
			flattenInto(el, out)
		}
	case map[string]any:
		if IsEvent(t) {
			*out = append(*out, Event(t))
		}
	}
}

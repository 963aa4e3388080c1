package memclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnrecognizedShape is returned when a payload matches none of the
// accepted layouts.
var ErrUnrecognizedShape = errors.New("unrecognized response shape")

// Event kinds proposed by the extraction step.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventNone   = "NONE"
)

// Event is one proposed change to the memory set. UPDATE events are
// normalized to ADD with the id of the memory they refine.
type Event struct {
	ID        string `json:"id,omitempty"`
	Memory    string `json:"memory"`
	Event     string `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
}

type rawEvent struct {
	ID        json.RawMessage `json:"id"`
	Memory    string          `json:"memory"`
	Text      string          `json:"text"`
	Event     string          `json:"event"`
	OldMemory string          `json:"old_memory"`
}

// DecodeEvents accepts {"results": [...]}, {"memory": [...]} or a bare
// array of events. NONE events are dropped; unknown kinds are an error.
func DecodeEvents(data []byte) ([]Event, error) {
	items, err := unwrapList(data, "results", "memory")
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(items))
	for i, item := range items {
		var r rawEvent
		if err := json.Unmarshal(item, &r); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, ErrUnrecognizedShape)
		}

		kind := strings.ToUpper(strings.TrimSpace(r.Event))
		switch kind {
		case EventNone:
			continue
		case EventUpdate:
			kind = EventAdd
		case EventAdd, EventDelete:
		case "":
			kind = EventAdd
		default:
			return nil, fmt.Errorf("event %d has kind %q: %w", i, r.Event, ErrUnrecognizedShape)
		}

		text := r.Memory
		if text == "" {
			text = r.Text
		}
		events = append(events, Event{
			ID:        idString(r.ID),
			Memory:    text,
			Event:     kind,
			OldMemory: r.OldMemory,
		})
	}
	return events, nil
}

// DecodeFacts accepts {"facts": [...]} or a bare array of strings.
func DecodeFacts(data []byte) ([]string, error) {
	return decodeStrings(data, "facts")
}

// DecodeCategories accepts {"categories": [...]}, a bare array, or a comma
// separated line.
func DecodeCategories(data []byte) ([]string, error) {
	cats, err := decodeStrings(data, "categories")
	if errors.Is(err, ErrUnrecognizedShape) {
		line := strings.TrimSpace(stripFences(string(data)))
		if line == "" || strings.ContainsAny(line, "{}[]\n") {
			return nil, err
		}
		cats = strings.Split(line, ",")
	} else if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(cats))
	for _, c := range cats {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func decodeStrings(data []byte, key string) ([]string, error) {
	items, err := unwrapList(data, key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, fmt.Errorf("%s entry: %w", key, ErrUnrecognizedShape)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// unwrapList finds the list in a payload: the payload itself when it is
// an array, otherwise the first of keys holding an array.
func unwrapList(data []byte, keys ...string) ([]json.RawMessage, error) {
	body := []byte(stripFences(string(data)))

	var list []json.RawMessage
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, ErrUnrecognizedShape
	}
	for _, k := range keys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		if string(v) == "null" {
			return nil, nil
		}
		if err := json.Unmarshal(v, &list); err != nil {
			return nil, fmt.Errorf("%q is not a list: %w", k, ErrUnrecognizedShape)
		}
		return list, nil
	}
	return nil, ErrUnrecognizedShape
}

// stripFences removes a surrounding markdown code fence, which models add
// even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// idString accepts ids encoded as JSON strings or numbers.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

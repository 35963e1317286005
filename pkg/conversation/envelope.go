package conversation

import (
	"encoding/json"
	"slices"
)

// envelopeFilter recognizes structured control payloads on the data channel.
type envelopeFilter struct {
	typeField  string
	typeValues []string
	eventField string
}

func newEnvelopeFilter(cfg Config) envelopeFilter {
	return envelopeFilter{
		typeField:  cfg.EnvelopeTypeField,
		typeValues: cfg.FilteredMessageTypes,
		eventField: cfg.EnvelopeEventField,
	}
}

// match reports whether text is a JSON object carrying a recognized
// discriminator, and returns the discriminator value for logging.
// Anything that is not a JSON object is chat text.
func (f envelopeFilter) match(text string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return "", false
	}

	if raw, ok := obj[f.eventField]; ok {
		return discriminator(raw), true
	}

	if raw, ok := obj[f.typeField]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err == nil && slices.Contains(f.typeValues, v) {
			return v, true
		}
	}

	return "", false
}

// discriminator renders a raw JSON value as a short label.
func discriminator(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// IsControlEnvelope reports whether text would be dropped by the default filter.
func IsControlEnvelope(text string) bool {
	_, ok := newEnvelopeFilter(DefaultConfig()).match(text)
	return ok
}

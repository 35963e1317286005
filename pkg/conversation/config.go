package conversation

import (
	"fmt"
	"strings"
)

// Default reconciler settings.
const (
	DefaultFinalIDSuffix      = "-final"
	DefaultUserPlaceholder    = "you"
	DefaultUnknownSender      = "unknown"
	DefaultEnvelopeEventField = "event_type"
	DefaultEnvelopeTypeField  = "message_type"
)

// LaneLookup selects how a transcription batch finds the open entry of its lane.
type LaneLookup string

const (
	// LaneLookupTail only considers the last log entry.
	LaneLookupTail LaneLookup = "tail"
	// LaneLookupIndex tracks the open entry of every lane, so interleaved
	// speakers keep coalescing into their own entries.
	LaneLookupIndex LaneLookup = "index"
)

// DefaultAgentMarkers are the identity substrings that mark an assistant.
var DefaultAgentMarkers = []string{"agent", "tavus"}

// DefaultFilteredMessageTypes are the message_type values dropped as control traffic.
var DefaultFilteredMessageTypes = []string{"system", "conversation"}

// Config controls role inference, envelope filtering and id derivation.
type Config struct {
	// AgentMarkers classify an identity as assistant when any is a
	// case-insensitive substring of it.
	AgentMarkers []string `yaml:"agent_markers"`

	// LaneLookup defaults to LaneLookupTail.
	LaneLookup LaneLookup `yaml:"lane_lookup"`

	// FinalIDSuffix is appended to an entry's id when it is finalized in place.
	FinalIDSuffix string `yaml:"final_id_suffix"`

	// UserPlaceholder names local authors and transcription speakers that
	// arrive without a participant identity.
	UserPlaceholder string `yaml:"user_placeholder"`

	// UnknownSender names data-channel senders without an identity.
	UnknownSender string `yaml:"unknown_sender"`

	// EnvelopeTypeField and FilteredMessageTypes drop envelopes whose type
	// field holds one of the listed values.
	EnvelopeTypeField    string   `yaml:"envelope_type_field"`
	FilteredMessageTypes []string `yaml:"filtered_message_types"`

	// EnvelopeEventField drops any envelope that carries this key.
	EnvelopeEventField string `yaml:"envelope_event_field"`
}

// DefaultConfig returns the default reconciler settings.
func DefaultConfig() Config {
	return Config{
		AgentMarkers:         append([]string(nil), DefaultAgentMarkers...),
		LaneLookup:           LaneLookupTail,
		FinalIDSuffix:        DefaultFinalIDSuffix,
		UserPlaceholder:      DefaultUserPlaceholder,
		UnknownSender:        DefaultUnknownSender,
		EnvelopeTypeField:    DefaultEnvelopeTypeField,
		FilteredMessageTypes: append([]string(nil), DefaultFilteredMessageTypes...),
		EnvelopeEventField:   DefaultEnvelopeEventField,
	}
}

// withDefaults fills empty fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AgentMarkers == nil {
		c.AgentMarkers = d.AgentMarkers
	}
	if c.LaneLookup == "" {
		c.LaneLookup = d.LaneLookup
	}
	if c.FinalIDSuffix == "" {
		c.FinalIDSuffix = d.FinalIDSuffix
	}
	if c.UserPlaceholder == "" {
		c.UserPlaceholder = d.UserPlaceholder
	}
	if c.UnknownSender == "" {
		c.UnknownSender = d.UnknownSender
	}
	if c.EnvelopeTypeField == "" {
		c.EnvelopeTypeField = d.EnvelopeTypeField
	}
	if c.FilteredMessageTypes == nil {
		c.FilteredMessageTypes = d.FilteredMessageTypes
	}
	if c.EnvelopeEventField == "" {
		c.EnvelopeEventField = d.EnvelopeEventField
	}
	return c
}

// Validate checks the configuration for values that would break id or role handling.
func (c Config) Validate() error {
	for i, m := range c.AgentMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("agent marker %d is empty", i)
		}
	}
	switch c.LaneLookup {
	case "", LaneLookupTail, LaneLookupIndex:
	default:
		return fmt.Errorf("unknown lane lookup %q", c.LaneLookup)
	}
	if c.FinalIDSuffix != "" && strings.TrimSpace(c.FinalIDSuffix) != c.FinalIDSuffix {
		return fmt.Errorf("final id suffix %q must not contain surrounding whitespace", c.FinalIDSuffix)
	}
	return nil
}

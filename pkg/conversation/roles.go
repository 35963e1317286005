package conversation

import "strings"

// RoleInferrer classifies participant identities by naming convention.
type RoleInferrer struct {
	markers []string
}

// NewRoleInferrer builds an inferrer for the given marker set. Markers are
// matched case-insensitively; empty markers are ignored.
func NewRoleInferrer(markers []string) RoleInferrer {
	normalized := make([]string, 0, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			normalized = append(normalized, m)
		}
	}
	return RoleInferrer{markers: normalized}
}

// Infer returns RoleAssistant when identity contains a marker, else RoleUser.
func (r RoleInferrer) Infer(identity string) Role {
	lower := strings.ToLower(identity)
	for _, m := range r.markers {
		if strings.Contains(lower, m) {
			return RoleAssistant
		}
	}
	return RoleUser
}

// Markers returns a copy of the normalized marker set.
func (r RoleInferrer) Markers() []string {
	return append([]string(nil), r.markers...)
}

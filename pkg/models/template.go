package models

import "time"

// PromptTemplate is a routable system-prompt template. Templates are
// selected per query by semantic similarity, trigger phrases, and the
// user's group membership.
type PromptTemplate struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Content         string    `json:"content"`
	Category        string    `json:"category,omitempty"`
	Triggers        []string  `json:"triggers,omitempty"`
	Groups          []string  `json:"groups,omitempty"`
	PreferredModels []string  `json:"preferred_models,omitempty"`
	IsDefault       bool      `json:"is_default"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AllowsGroup reports whether the template is open to the given groups.
// A template with no group restriction allows everyone.
func (t *PromptTemplate) AllowsGroup(groups []string) bool {
	if len(t.Groups) == 0 {
		return true
	}
	for _, tg := range t.Groups {
		for _, g := range groups {
			if tg == g {
				return true
			}
		}
	}
	return false
}

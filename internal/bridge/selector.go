package bridge

import (
	"fmt"
	"strings"
)

// Selector locates a UI element on the device. Zero fields are ignored.
type Selector struct {
	Text                string `json:"text,omitempty" yaml:"text,omitempty"`
	TextContains        string `json:"textContains,omitempty" yaml:"text_contains,omitempty"`
	ResourceID          string `json:"resourceId,omitempty" yaml:"resource_id,omitempty"`
	Description         string `json:"description,omitempty" yaml:"description,omitempty"`
	DescriptionContains string `json:"descriptionContains,omitempty" yaml:"description_contains,omitempty"`
	ClassName           string `json:"className,omitempty" yaml:"class_name,omitempty"`
	Instance            int    `json:"instance,omitempty" yaml:"instance,omitempty"`
}

// IsZero reports whether no field is set.
func (s Selector) IsZero() bool {
	return s == Selector{}
}

func (s Selector) String() string {
	parts := make([]string, 0, 4)
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, fmt.Sprintf("%s=%q", k, v))
		}
	}
	add("text", s.Text)
	add("textContains", s.TextContains)
	add("resourceId", s.ResourceID)
	add("description", s.Description)
	add("descriptionContains", s.DescriptionContains)
	add("className", s.ClassName)
	if s.Instance > 0 {
		parts = append(parts, fmt.Sprintf("instance=%d", s.Instance))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Common key names accepted by PressKey.
const (
	KeyEnter = "enter"
	KeyBack  = "back"
	KeyHome  = "home"
)

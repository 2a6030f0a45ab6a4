// ABOUTME: Main-side state containers mirrored from the execution context
// ABOUTME: Auth and panel follow broadcasts; drawer, tooltip, modal and router are local

package state

import (
	"encoding/json"

	"github.com/kbve/droid-gateway/internal/auth"
)

// Panel is the panel container value. Its JSON form matches the panel topic.
type Panel struct {
	Open    bool            `json:"open"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Toggled returns the panel after toggling id: the same id flips Open,
// any other id opens.
func (p Panel) Toggled(id string) Panel {
	if p.ID == id {
		return Panel{Open: !p.Open, ID: id}
	}
	return Panel{Open: true, ID: id}
}

// Store groups every state container.
type Store struct {
	Auth    *Value[auth.State]
	Panel   *Value[Panel]
	Drawer  *Value[string]
	Tooltip *Value[string]
	Modal   *Value[string]
	Router  *Value[string]
}

// NewStore returns containers at their initial values.
func NewStore() *Store {
	return &Store{
		Auth:    NewValue(auth.Anonymous()),
		Panel:   NewValue(Panel{}),
		Drawer:  NewValue(""),
		Tooltip: NewValue(""),
		Modal:   NewValue(""),
		Router:  NewValue("/"),
	}
}

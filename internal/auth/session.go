// ABOUTME: Auth state shared by execution contexts and main-thread mirrors
// ABOUTME: Derives the displayed session state from a token verification result

package auth

import "errors"

// Tone values for State.
const (
	ToneAnon    = "anon"
	ToneLoading = "loading"
	ToneAuth    = "auth"
	ToneError   = "error"
)

// State is the auth value broadcast on the auth topic.
type State struct {
	Tone   string `json:"tone"`
	Name   string `json:"name"`
	ID     string `json:"id"`
	Avatar string `json:"avatar,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Anonymous is the signed-out state.
func Anonymous() State {
	return State{Tone: ToneAnon, Name: "Guest"}
}

// IsAuthenticated reports whether the state carries a verified identity.
func (s State) IsAuthenticated() bool {
	return s.Tone == ToneAuth && s.ID != ""
}

// StateFromToken verifies token and returns the resulting state. A failed
// verification yields an error state rather than an error, so the failure
// can be broadcast like any other auth change.
func StateFromToken(v TokenVerifier, token string) State {
	if token == "" {
		return Anonymous()
	}
	claims, err := v.Verify(token)
	if err != nil {
		msg := "invalid session"
		if errors.Is(err, ErrExpiredToken) {
			msg = "session expired"
		}
		return State{Tone: ToneError, Name: "Guest", Error: msg}
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return State{
		Tone:   ToneAuth,
		Name:   name,
		ID:     claims.Subject,
		Avatar: claims.Avatar,
	}
}

package core

import (
	"sync"

	"labelcheck-assistant/pkg"
)

// ProfileState holds the session's health profile.  It starts empty and is
// only ever replaced wholesale; the backend's copy always wins.
type ProfileState struct {
	mu      sync.RWMutex
	profile pkg.Profile
}

// NewProfileState returns an empty profile holder.
func NewProfileState() *ProfileState {
	return &ProfileState{profile: pkg.Profile{}.Clone()}
}

// Get returns a copy of the current profile.
func (p *ProfileState) Get() pkg.Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile.Clone()
}

// Replace swaps in a new profile.
func (p *ProfileState) Replace(next pkg.Profile) {
	p.mu.Lock()
	p.profile = next.Clone()
	p.mu.Unlock()
}

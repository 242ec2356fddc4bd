// Package session implements the per-direction SOME/IP-SD session counter:
// a monotonically increasing session id plus a reboot flag that clears the
// first time the counter wraps.
package session

import "sync"

// Handler tracks one direction's (multicast or unicast) session state.
// Initial state is (0, true); the first Update call yields (1, true).
type Handler struct {
	mu        sync.Mutex
	sessionID uint16
	reboot    bool
}

// NewHandler returns a Handler in its initial state.
func NewHandler() *Handler {
	return &Handler{sessionID: 0, reboot: true}
}

// Update increments the session id and returns the new (sessionID, reboot)
// pair. On wrap past 0xFFFF the counter resets to 1 and reboot clears.
func (h *Handler) Update() (uint16, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID++
	if h.sessionID == 0 {
		// wrapped past 0xFFFF
		h.sessionID = 1
		h.reboot = false
	}
	return h.sessionID, h.reboot
}

// Current returns the last (sessionID, reboot) pair without advancing it.
func (h *Handler) Current() (uint16, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID, h.reboot
}

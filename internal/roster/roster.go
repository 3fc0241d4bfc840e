// Package roster holds the deduplicated membership list of one call.
package roster

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ConnState is the negotiation progress of one remote participant.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateFailed     ConnState = "failed"
	StateLeft       ConnState = "left"
)

// Participant is one remote member of a call. The local user is never a
// Participant; local media state lives on the session itself.
type Participant struct {
	UserID       int64     `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	AudioEnabled bool      `json:"audio_enabled"`
	VideoEnabled bool      `json:"video_enabled"`
	State        ConnState `json:"state"`
}

// Roster is the authoritative participant set for a call, keyed by user id.
// A user appears at most once regardless of how many signaling messages
// reference it.
type Roster struct {
	selfID int64

	mu      sync.RWMutex
	members map[int64]*Participant
	lastSig string
}

// New creates an empty roster. selfID is excluded from membership no matter
// what ids the server reports.
func New(selfID int64) *Roster {
	return &Roster{
		selfID:  selfID,
		members: make(map[int64]*Participant),
	}
}

// Reconcile makes the roster match canonicalIDs exactly, returning the ids
// that were added and removed so the caller can drive per-peer work from the
// deltas. Duplicate ids and the local user's id are ignored. Calling again
// with a set whose canonical signature is unchanged is a no-op, so duplicate
// or reordered signaling messages never trigger work twice.
func (r *Roster) Reconcile(canonicalIDs []int64) (added, removed []int64) {
	want := make(map[int64]struct{}, len(canonicalIDs))
	for _, id := range canonicalIDs {
		if id == r.selfID || id <= 0 {
			continue
		}
		want[id] = struct{}{}
	}
	sig := signature(want)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sig == r.lastSig {
		return nil, nil
	}
	r.lastSig = sig

	for id := range want {
		if _, ok := r.members[id]; !ok {
			r.members[id] = &Participant{
				UserID: id,
				State:  StateConnecting,
			}
			added = append(added, id)
		}
	}
	for id := range r.members {
		if _, ok := want[id]; !ok {
			delete(r.members, id)
			removed = append(removed, id)
		}
	}

	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return added, removed
}

// Add inserts a single participant if absent. Returns true when inserted.
func (r *Roster) Add(id int64) bool {
	if id == r.selfID || id <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return false
	}
	r.members[id] = &Participant{UserID: id, State: StateConnecting}
	r.lastSig = r.currentSig()
	return true
}

// Remove drops a participant. Returns true when it was present.
func (r *Roster) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	r.lastSig = r.currentSig()
	return true
}

// Has reports whether id is a member.
func (r *Roster) Has(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// Len returns the member count.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// SetDisplayName records a resolved name. A participant is fully usable
// before its name resolves; callers render a placeholder until then.
func (r *Roster) SetDisplayName(id int64, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[id]
	if !ok {
		return false
	}
	p.DisplayName = name
	return true
}

// SetMedia records a participant's remote track enablement.
func (r *Roster) SetMedia(id int64, audio, video bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[id]
	if !ok {
		return false
	}
	p.AudioEnabled = audio
	p.VideoEnabled = video
	return true
}

// SetState records a participant's connection state.
func (r *Roster) SetState(id int64, s ConnState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.members[id]
	if !ok {
		return false
	}
	p.State = s
	return true
}

// IDs returns the member ids in ascending order.
func (r *Roster) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns copies of all participants ordered by user id. The
// placeholder name is filled in for members whose resolution is pending.
func (r *Roster) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Participant, 0, len(r.members))
	for _, p := range r.members {
		cp := *p
		if cp.DisplayName == "" {
			cp.DisplayName = Placeholder(cp.UserID)
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Placeholder is the display name used until lookup resolves.
func Placeholder(id int64) string {
	return fmt.Sprintf("User %d", id)
}

// currentSig recomputes the signature from current membership. Caller holds
// the lock.
func (r *Roster) currentSig() string {
	ids := make(map[int64]struct{}, len(r.members))
	for id := range r.members {
		ids[id] = struct{}{}
	}
	return signature(ids)
}

// signature is the canonical sorted-id form used to detect no-op updates.
func signature(ids map[int64]struct{}) string {
	sorted := make([]int64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var b strings.Builder
	for i, id := range sorted {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", id)
	}
	return b.String()
}

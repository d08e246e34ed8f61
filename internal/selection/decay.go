// Package selection decides how remote selections are drawn. A selection is
// shown with full emphasis while it is moving and fades to invisible once it
// has been still for longer than the recency window. Faded entries stay in
// the cache so that renewed activity shows up immediately.
package selection

import (
	"sort"
	"time"

	"chronicle/collab/internal/awareness"
	"chronicle/collab/internal/crdt"
)

const DefaultWindow = 10 * time.Second

// Resolver turns a relative position into a visible offset inside a block.
// *crdt.Store implements it.
type Resolver interface {
	Offset(block, after crdt.ID) (int, bool)
}

type entry struct {
	state awareness.State
	// changedAt is the local time the current state was first seen. Remote
	// clocks only tell whether the state changed.
	changedAt time.Time
}

// Renderer is the per-observer decay cache. It can be rebuilt from awareness
// states at any time.
type Renderer struct {
	self   string
	window time.Duration
	cache  map[string]entry
}

func NewRenderer(self string, window time.Duration) *Renderer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Renderer{self: self, window: window, cache: map[string]entry{}}
}

// Update replaces the cache with the current remote states. Users that left
// the awareness map are dropped; users whose selection moved are stamped
// with now.
func (r *Renderer) Update(states map[string]awareness.State, now time.Time) {
	next := make(map[string]entry, len(states))
	for user, state := range states {
		if user == r.self {
			continue
		}
		changedAt := now
		if prev, ok := r.cache[user]; ok && sameSelection(prev.state.Selection, state.Selection) && prev.state.LastChangedAt.Equal(state.LastChangedAt) {
			changedAt = prev.changedAt
		}
		next[user] = entry{state: state, changedAt: changedAt}
	}
	r.cache = next
}

func sameSelection(a, b *awareness.Selection) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Has reports whether user has an entry, visible or not.
func (r *Renderer) Has(user string) bool {
	_, ok := r.cache[user]
	return ok
}

func (r *Renderer) Len() int {
	return len(r.cache)
}

// Emphasis is 1 while the selection of user changed within the window and 0
// afterwards or when user is unknown.
func (r *Renderer) Emphasis(user string, now time.Time) float64 {
	e, ok := r.cache[user]
	if !ok {
		return 0
	}
	if now.Sub(e.changedAt) <= r.window {
		return 1
	}
	return 0
}

// Decoration is one remote selection inside a block. From == To is a caret.
type Decoration struct {
	UserID   string  `json:"userId"`
	Name     string  `json:"name,omitempty"`
	Color    string  `json:"color,omitempty"`
	From     int     `json:"from"`
	To       int     `json:"to"`
	Head     int     `json:"head"`
	Emphasis float64 `json:"emphasis"`
}

// Decorations lists the remote selections touching block, sorted by user.
// A selection that spans blocks contributes its head caret to the head's
// block only.
func (r *Renderer) Decorations(block crdt.ID, resolver Resolver, now time.Time) []Decoration {
	var out []Decoration
	for user, e := range r.cache {
		sel := e.state.Selection
		if sel == nil || sel.Head.Block != block {
			continue
		}
		head, ok := resolver.Offset(block, sel.Head.After)
		if !ok {
			continue
		}
		d := Decoration{
			UserID:   user,
			Name:     e.state.Name,
			Color:    e.state.Color,
			From:     head,
			To:       head,
			Head:     head,
			Emphasis: r.Emphasis(user, now),
		}
		if sel.Anchor.Block == block {
			if anchor, ok := resolver.Offset(block, sel.Anchor.After); ok {
				d.From, d.To = min(anchor, head), max(anchor, head)
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

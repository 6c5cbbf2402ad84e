// Package tree maintains the navigable hierarchy derived from the flat
// UUID-keyed entity store. The store's parent pointers form an arbitrary
// graph (external corruption can introduce cycles and orphans), so the tree
// is computed and validated here rather than trusted: entities that cannot
// be placed are excluded and reported, never silently dropped and never
// allowed to crash the build.
//
// Readers work against immutable [Snapshot] values swapped atomically by
// [Tree]; a reader never observes a half-applied mutation.
package tree

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rmdav/rmdav/internal/store"
)

// TrashName is the synthetic directory exposing trashed entities.
const TrashName = "Trash"

// Node is one entry in the hierarchy. Entity is nil only for the two
// synthetic directories (root and trash).
type Node struct {
	ID     uuid.UUID
	Kind   store.Kind
	Name   string // presented name: disambiguated, with extension for documents
	Entity *store.Entity
	Parent store.ParentRef

	children    []uuid.UUID
	childByName map[string]uuid.UUID
}

// IsDir reports whether the node is a directory (collection or synthetic).
func (n *Node) IsDir() bool { return n.Kind == store.KindCollection }

// Size returns the payload size presented for the node.
func (n *Node) Size() int64 {
	if n.Entity == nil {
		return 0
	}
	return n.Entity.Size
}

// ModTime returns the presented modification time.
func (n *Node) ModTime(fallback time.Time) time.Time {
	if n.Entity != nil && !n.Entity.ModTime.IsZero() {
		return n.Entity.ModTime
	}
	return fallback
}

// Exclusion records an entity that could not be placed in the tree.
type Exclusion struct {
	ID     uuid.UUID
	Reason string
}

// Change is a single entity-level tree update.
type Change struct {
	ID     uuid.UUID
	Remove bool
	Entity store.Entity // ignored when Remove
}

// Snapshot is an immutable view of the hierarchy. All methods are safe for
// concurrent use; mutation happens by building a successor snapshot.
type Snapshot struct {
	entities map[uuid.UUID]store.Entity
	nodes    map[uuid.UUID]*Node
	root     *Node
	trash    *Node
	excluded []Exclusion
	builtAt  time.Time
}

// Build constructs a snapshot from a complete entity set, enforcing
// root-reachability and sibling-name uniqueness.
func Build(entities []store.Entity) *Snapshot {
	s := &Snapshot{
		entities: make(map[uuid.UUID]store.Entity, len(entities)),
		nodes:    make(map[uuid.UUID]*Node, len(entities)+2),
		builtAt:  time.Now(),
	}
	for _, e := range entities {
		if _, dup := s.entities[e.ID]; dup {
			s.excluded = append(s.excluded, Exclusion{ID: e.ID, Reason: "duplicate identifier"})
			continue
		}
		s.entities[e.ID] = e
	}
	s.place()
	return s
}

// place builds the node graph from s.entities. Also used for full
// revalidation after a structural change.
func (s *Snapshot) place() {
	s.root = &Node{Kind: store.KindCollection, childByName: map[string]uuid.UUID{}}
	s.trash = &Node{Kind: store.KindCollection, Name: TrashName, Parent: store.TrashParent(), childByName: map[string]uuid.UUID{}}
	// The synthetic trash claims its root name first, so a real entity
	// called "Trash" gets suffixed instead of shadowed.
	s.root.childByName[TrashName] = uuid.Nil
	s.nodes = make(map[uuid.UUID]*Node, len(s.entities)+2)

	// Validate every parent chain up to root or trash. 0 = unknown,
	// 1 = visiting, 2 = placeable, 3 = excluded.
	state := make(map[uuid.UUID]int, len(s.entities))
	var visit func(id uuid.UUID) (bool, string)
	visit = func(id uuid.UUID) (bool, string) {
		switch state[id] {
		case 1:
			return false, "cycle in parent chain"
		case 2:
			return true, ""
		case 3:
			return false, "parent excluded"
		}
		e := s.entities[id]
		state[id] = 1
		ok, reason := true, ""
		if !e.Parent.IsRoot() && !e.Parent.Trash {
			p, exists := s.entities[e.Parent.ID]
			switch {
			case !exists:
				ok, reason = false, fmt.Sprintf("parent %s missing", e.Parent.ID)
			case p.Kind != store.KindCollection:
				ok, reason = false, fmt.Sprintf("parent %s is not a collection", e.Parent.ID)
			default:
				ok, reason = visit(e.Parent.ID)
				if !ok {
					reason = "parent excluded: " + reason
				}
			}
		}
		if ok {
			state[id] = 2
		} else {
			state[id] = 3
			s.excluded = append(s.excluded, Exclusion{ID: id, Reason: reason})
		}
		return ok, reason
	}

	ids := make([]uuid.UUID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	// Deterministic placement order: by parent, then base name, then ID.
	// The first entity to claim a name keeps it; later ones get suffixed.
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.entities[ids[i]], s.entities[ids[j]]
		if a.Parent != b.Parent {
			return a.Parent.String() < b.Parent.String()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID.String() < b.ID.String()
	})

	for _, id := range ids {
		if ok, _ := visit(id); !ok {
			continue
		}
		e := s.entities[id]
		s.nodes[id] = &Node{ID: id, Kind: e.Kind, Entity: &e, Parent: e.Parent}
		if e.Kind == store.KindCollection {
			s.nodes[id].childByName = map[string]uuid.UUID{}
		}
	}
	for _, id := range ids {
		n, ok := s.nodes[id]
		if !ok {
			continue
		}
		s.attach(n)
	}
}

// attach links n under its parent node, resolving name collisions.
func (s *Snapshot) attach(n *Node) {
	parent := s.parentNode(n.Parent)
	n.Name = s.claimName(parent, baseName(n), n.ID)
	parent.children = append(parent.children, n.ID)
	parent.childByName[n.Name] = n.ID
}

func baseName(n *Node) string {
	name := n.Entity.Name
	if name == "" {
		name = n.ID.String()
	}
	// Path separators in a display name would fracture resolution.
	name = strings.ReplaceAll(name, "/", "⁄")
	if n.Kind == store.KindDocument {
		name += n.Entity.Format.Extension()
	}
	return name
}

// claimName returns name if free under parent, else a deterministic variant
// carrying an identifier-derived suffix, widened until it is free. The full
// 32-hex identifier is unique among siblings, so the loop terminates.
func (s *Snapshot) claimName(parent *Node, name string, id uuid.UUID) string {
	if _, taken := parent.childByName[name]; !taken {
		return name
	}
	ext := ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name, ext = name[:i], name[i:]
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	for n := 8; n < len(hex); n += 4 {
		cand := name + " (" + hex[:n] + ")" + ext
		if _, taken := parent.childByName[cand]; !taken {
			return cand
		}
	}
	return name + " (" + hex + ")" + ext
}

func (s *Snapshot) parentNode(p store.ParentRef) *Node {
	switch {
	case p.Trash:
		return s.trash
	case p.ID == uuid.Nil:
		return s.root
	default:
		return s.nodes[p.ID]
	}
}

// Root returns the synthetic root node.
func (s *Snapshot) Root() *Node { return s.root }

// Excluded returns the entities that could not be placed, with reasons.
func (s *Snapshot) Excluded() []Exclusion { return s.excluded }

// BuiltAt returns when the snapshot was constructed.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Node returns the placed node for an entity, if any.
func (s *Snapshot) Node(id uuid.UUID) (*Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Entity returns the raw entity by ID, placed or not.
func (s *Snapshot) Entity(id uuid.UUID) (store.Entity, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// Generations returns the generation of every known entity; the watcher
// diffs a fresh scan against this to synthesize missed events.
func (s *Snapshot) Generations() map[uuid.UUID]uint64 {
	out := make(map[uuid.UUID]uint64, len(s.entities))
	for id, e := range s.entities {
		out[id] = e.Generation
	}
	return out
}

// Resolve walks a slash-separated path from the root. Segments are matched
// case-sensitively against presented names; the walk can never escape the
// root. Returns false when any segment is missing or traverses a document.
func (s *Snapshot) Resolve(path string) (*Node, bool) {
	cur := s.root
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return nil, false
		}
		if !cur.IsDir() {
			return nil, false
		}
		if cur == s.root && seg == TrashName {
			cur = s.trash
			continue
		}
		id, ok := cur.childByName[seg]
		if !ok {
			return nil, false
		}
		cur = s.nodes[id]
	}
	return cur, true
}

// List returns the ordered children of a directory node, with the synthetic
// trash directory appearing at the root.
func (s *Snapshot) List(n *Node) []*Node {
	if n == nil || !n.IsDir() {
		return nil
	}
	out := make([]*Node, 0, len(n.children)+1)
	for _, id := range n.children {
		out = append(out, s.nodes[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if n == s.root {
		out = append(out, s.trash)
	}
	return out
}

// Apply produces the successor snapshot for one change. In-place metadata
// updates that do not move the entity are patched directly; structural
// changes (moves, removals, new placements) revalidate through a rebuild of
// the placement so orphan adoption and cycle exclusion stay correct.
func (s *Snapshot) Apply(ch Change) *Snapshot {
	next := &Snapshot{
		entities: make(map[uuid.UUID]store.Entity, len(s.entities)+1),
		builtAt:  time.Now(),
	}
	for id, e := range s.entities {
		next.entities[id] = e
	}
	if ch.Remove {
		delete(next.entities, ch.ID)
	} else {
		next.entities[ch.ID] = ch.Entity
	}

	if !ch.Remove {
		if prev, ok := s.entities[ch.ID]; ok &&
			prev.Parent == ch.Entity.Parent &&
			prev.Kind == ch.Entity.Kind &&
			prev.Name == ch.Entity.Name {
			// Content-only change: copy the node graph, swap the entity.
			next.clonePlacementFrom(s)
			if n, ok := next.nodes[ch.ID]; ok {
				e := ch.Entity
				patched := *n
				patched.Entity = &e
				next.replaceNode(&patched)
			}
			return next
		}
	}
	next.place()
	return next
}

// clonePlacementFrom copies the placed node graph (nodes are shared until
// replaced; replaceNode copy-on-writes the affected ones).
func (next *Snapshot) clonePlacementFrom(s *Snapshot) {
	next.nodes = make(map[uuid.UUID]*Node, len(s.nodes))
	for id, n := range s.nodes {
		next.nodes[id] = n
	}
	next.root = s.root
	next.trash = s.trash
	next.excluded = s.excluded
}

func (next *Snapshot) replaceNode(n *Node) {
	next.nodes[n.ID] = n
}

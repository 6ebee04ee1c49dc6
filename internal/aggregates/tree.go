package aggregates

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

// NoteTree is one node of a reconstructed reply forest. Parent is a lookup-only
// back pointer; Children are owned by the node.
type NoteTree struct {
	Note      *nostr.Event
	ReplyToID string
	CreatedAt nostr.Timestamp // Curated creation time
	Parent    *NoteTree
	Children  []*NoteTree
}

func newNoteTree(event *nostr.Event, now nostr.Timestamp) *NoteTree {
	return &NoteTree{
		Note:      event,
		ReplyToID: ReplyToID(event),
		CreatedAt: CuratedCreatedAt(event, now),
	}
}

// CuratedCreatedAt returns the timestamp used for ordering. Events claiming to
// be from the future are clamped to now so they cannot pin themselves on top.
func CuratedCreatedAt(event *nostr.Event, now nostr.Timestamp) nostr.Timestamp {
	if event.CreatedAt > now {
		return now
	}
	return event.CreatedAt
}

// newerFirst orders siblings newest on top; ties fall back to the event id so
// the order never depends on arrival.
func newerFirst(a, b *NoteTree) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.Note.ID < b.Note.ID
}

// olderFirst orders roots with the original post on top
func olderFirst(a, b *NoteTree) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.Note.ID < b.Note.ID
}

func (nt *NoteTree) addChild(child *NoteTree) {
	child.Parent = nt
	nt.Children = append(nt.Children, child)
	sort.SliceStable(nt.Children, func(i, j int) bool {
		return newerFirst(nt.Children[i], nt.Children[j])
	})
}

// isDescendantOf reports whether nt sits somewhere below ancestor
func (nt *NoteTree) isDescendantOf(ancestor *NoteTree) bool {
	for p := nt.Parent; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Walk visits the node and all its descendants depth-first
func (nt *NoteTree) Walk(fn func(node *NoteTree, depth int)) {
	nt.walk(fn, 0)
}

func (nt *NoteTree) walk(fn func(node *NoteTree, depth int), depth int) {
	fn(nt, depth)
	for _, child := range nt.Children {
		child.walk(fn, depth+1)
	}
}

// Forest is a set of reply trees with an id index over every node
type Forest struct {
	Roots []*NoteTree
	index map[string]*NoteTree
}

// NewForest creates an empty forest
func NewForest() *Forest {
	return &Forest{
		Roots: make([]*NoteTree, 0),
		index: make(map[string]*NoteTree),
	}
}

// Find returns the node holding the event with the given id
func (f *Forest) Find(eventID string) *NoteTree {
	if eventID == "" {
		return nil
	}
	return f.index[eventID]
}

// Exists reports whether the event is already part of the forest
func (f *Forest) Exists(eventID string) bool {
	_, ok := f.index[eventID]
	return ok
}

// Len returns the number of nodes in the forest
func (f *Forest) Len() int {
	return len(f.index)
}

// FlatTrees wraps every event as a standalone node without assembling threads
func FlatTrees(events []*nostr.Event) []*NoteTree {
	now := nostr.Now()
	trees := make([]*NoteTree, 0, len(events))
	for _, event := range events {
		trees = append(trees, newNoteTree(event, now))
	}
	return trees
}

// BuildForest inserts events into an existing forest (or a new one when nil)
// and returns it. Events replying to a node already present become its
// children; everything else starts as a root. A second pass re-parents roots
// whose parent arrived later in the same batch.
func BuildForest(events []*nostr.Event, forest *Forest) *Forest {
	if forest == nil {
		forest = NewForest()
	}
	now := nostr.Now()

	for _, event := range events {
		if event == nil || forest.Exists(event.ID) {
			continue
		}

		node := newNoteTree(event, now)
		forest.index[event.ID] = node

		if parent := forest.Find(node.ReplyToID); parent != nil && parent != node {
			parent.addChild(node)
		} else {
			forest.Roots = append(forest.Roots, node)
		}
	}

	remaining := make([]*NoteTree, 0, len(forest.Roots))
	for i := len(forest.Roots) - 1; i >= 0; i-- {
		root := forest.Roots[i]
		parent := forest.Find(root.ReplyToID)
		// A reply cycle would otherwise detach both nodes from the forest
		if parent == nil || parent == root || parent.isDescendantOf(root) {
			remaining = append(remaining, root)
			continue
		}
		parent.addChild(root)
	}

	sort.SliceStable(remaining, func(i, j int) bool {
		return olderFirst(remaining[i], remaining[j])
	})
	forest.Roots = remaining

	return forest
}

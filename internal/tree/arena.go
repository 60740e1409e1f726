// Package tree holds the in-memory directory-tree arena and the directory
// walker that builds it: file nodes are owned by an arena and linked by
// integer handles (not pointers), so the whole tree can be discarded in one
// step between passes, as called for by the design note on cyclic pointers.
package tree

import (
	"strings"

	"github.com/dargueta/fsckfat/internal/direntry"
)

// Handle indexes a Node within an Arena. NoHandle means "absent".
type Handle int

const NoHandle Handle = -1

// Node is one non-LFN directory entry in the tree.
type Node struct {
	Handle      Handle
	Parent      Handle
	FirstChild  Handle
	NextSibling Handle

	Entry     direntry.Entry
	LongName  string // "" if no LFN sequence was bound to this entry
	ClusterDirStart uint32 // start cluster of the directory this node lives in (0 for the FAT12/16 flat root)

	// IsFAT32Root marks the synthetic root node on a FAT32 volume (offset 0,
	// start cluster from the boot sector, per spec.md §4.5).
	IsFAT32Root bool
}

// DisplayName returns the long filename if one was bound, else the
// formatted 8.3 short name.
func (n *Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	return direntry.DisplayName(n.Entry.ShortNameBytes())
}

// Arena owns every Node built during one pass. It is discarded wholesale
// at the end of the pass.
type Arena struct {
	nodes []Node
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// New allocates a node under parent (NoHandle for the root) and returns its
// handle. It does not link the node into parent's child list; callers
// append via AddChild.
func (a *Arena) New(parent Handle, entry direntry.Entry, longName string, dirStart uint32) Handle {
	h := Handle(len(a.nodes))
	a.nodes = append(a.nodes, Node{
		Handle:          h,
		Parent:          parent,
		FirstChild:      NoHandle,
		NextSibling:     NoHandle,
		Entry:           entry,
		LongName:        longName,
		ClusterDirStart: dirStart,
	})
	return h
}

// Get returns a pointer to the node for h. The pointer is invalidated by
// any subsequent call to New (slice may reallocate), so callers must not
// hold it across arena mutation.
func (a *Arena) Get(h Handle) *Node {
	if h == NoHandle {
		return nil
	}
	return &a.nodes[h]
}

// AddChild appends child to the end of parent's sibling list.
func (a *Arena) AddChild(parent, child Handle) {
	p := a.Get(parent)
	if p.FirstChild == NoHandle {
		p.FirstChild = child
		return
	}
	cur := p.FirstChild
	for a.Get(cur).NextSibling != NoHandle {
		cur = a.Get(cur).NextSibling
	}
	a.Get(cur).NextSibling = child
}

// RemoveChild unlinks child from parent's sibling list (used after a
// duplicate/bad-name/cross-link deletion repair so later passes over the
// tree don't see it). It does not reclaim the arena slot.
func (a *Arena) RemoveChild(parent, child Handle) {
	p := a.Get(parent)
	if p.FirstChild == child {
		p.FirstChild = a.Get(child).NextSibling
		return
	}
	cur := p.FirstChild
	for cur != NoHandle {
		next := a.Get(cur).NextSibling
		if next == child {
			a.Get(cur).NextSibling = a.Get(child).NextSibling
			return
		}
		cur = next
	}
}

// Children returns the handles of every child of h, in sibling order.
func (a *Arena) Children(h Handle) []Handle {
	var out []Handle
	node := a.Get(h)
	if node == nil {
		return nil
	}
	for c := node.FirstChild; c != NoHandle; c = a.Get(c).NextSibling {
		out = append(out, c)
	}
	return out
}

// Path renders the full path to h by walking Parent links, for diagnostics.
func (a *Arena) Path(h Handle) string {
	return "/" + strings.Join(a.PathComponents(h), "/")
}

// PathComponents returns the upper-cased path components from the root to
// h, for case-insensitive comparisons like path-hint matching.
func (a *Arena) PathComponents(h Handle) []string {
	var parts []string
	for cur := h; cur != NoHandle; cur = a.Get(cur).Parent {
		n := a.Get(cur)
		if n.IsFAT32Root || n.Parent == NoHandle {
			break
		}
		parts = append([]string{strings.ToUpper(n.DisplayName())}, parts...)
	}
	return parts
}

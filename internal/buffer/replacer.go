package buffer

// lruNode is an entry in the replacer's doubly linked list.
type lruNode struct {
	frame int
	prev  *lruNode
	next  *lruNode
}

// lruReplacer tracks unpinned frames in least recently used order. Frames
// enter on their last unpin and leave when pinned again or chosen as victim.
// It is not safe for concurrent use; the pool serialises access.
type lruReplacer struct {
	nodes map[int]*lruNode
	head  *lruNode // most recently unpinned end
	tail  *lruNode // least recently unpinned end
}

func newLRUReplacer() *lruReplacer {
	head := &lruNode{}
	tail := &lruNode{}
	head.next = tail
	tail.prev = head
	return &lruReplacer{
		nodes: make(map[int]*lruNode),
		head:  head,
		tail:  tail,
	}
}

func (r *lruReplacer) remove(n *lruNode) {
	n.prev.next = n.next
	n.next.prev = n.prev
}

// Unpin makes the frame a candidate for eviction.
func (r *lruReplacer) Unpin(frame int) {
	if _, ok := r.nodes[frame]; ok {
		return
	}
	n := &lruNode{frame: frame, prev: r.head, next: r.head.next}
	r.head.next.prev = n
	r.head.next = n
	r.nodes[frame] = n
}

// Pin withdraws the frame from eviction.
func (r *lruReplacer) Pin(frame int) {
	if n, ok := r.nodes[frame]; ok {
		r.remove(n)
		delete(r.nodes, frame)
	}
}

// Victim removes and returns the least recently unpinned frame.
func (r *lruReplacer) Victim() (int, bool) {
	n := r.tail.prev
	if n == r.head {
		return 0, false
	}
	r.remove(n)
	delete(r.nodes, n.frame)
	return n.frame, true
}

// Size returns the number of evictable frames.
func (r *lruReplacer) Size() int {
	return len(r.nodes)
}

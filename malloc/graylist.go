package malloc

import "unsafe"
import "sync/atomic"

// graynode one gray-list entry: a unit reached by the marker whose
// children are not yet traced. becomingold flags units that will
// enter the old generation after this cycle, so the collector can
// set their card bits during promotion.
type graynode struct {
	next        *graynode
	unit        *unithead
	becomingold bool
}

// graylist lock-free stack of gray units plus a second stack caching
// dropped nodes for reuse. Mutators push concurrently with the
// collector draining; pickall hands the collector the whole list in
// one swap.
type graylist struct {
	head    unsafe.Pointer // *graynode
	dropped unsafe.Pointer // *graynode
}

func (gl *graylist) getnode() *graynode {
	for {
		old := atomic.LoadPointer(&gl.dropped)
		if old == nil {
			return &graynode{}
		}
		node := (*graynode)(old)
		if atomic.CompareAndSwapPointer(&gl.dropped, old, unsafe.Pointer(node.next)) {
			node.next = nil
			return node
		}
	}
}

func (gl *graylist) push(u *unithead, becomingold bool) {
	node := gl.getnode()
	node.unit, node.becomingold = u, becomingold
	for {
		old := atomic.LoadPointer(&gl.head)
		node.next = (*graynode)(old)
		if atomic.CompareAndSwapPointer(&gl.head, old, unsafe.Pointer(node)) {
			return
		}
	}
}

// pickall take the entire gray list as the collector's private
// working set.
func (gl *graylist) pickall() *graynode {
	for {
		old := atomic.LoadPointer(&gl.head)
		if old == nil {
			return nil
		}
		if atomic.CompareAndSwapPointer(&gl.head, old, nil) {
			return (*graynode)(old)
		}
	}
}

func (gl *graylist) recycle(node *graynode) {
	node.unit, node.becomingold = nil, false
	for {
		old := atomic.LoadPointer(&gl.dropped)
		node.next = (*graynode)(old)
		if atomic.CompareAndSwapPointer(&gl.dropped, old, unsafe.Pointer(node)) {
			return
		}
	}
}

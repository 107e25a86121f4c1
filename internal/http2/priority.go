package http2

import (
	"fmt"
	"sync"
)

// defaultPriorityWeight is the frame-encoded default weight for a stream that
// has no explicit priority. RFC 7540, Section 5.3.5 assigns a default weight
// of 16, which is carried on the wire as 15.
const defaultPriorityWeight uint8 = 15

// streamDependencyInfo carries the dependency fields taken from the priority
// section of a HEADERS frame or from a PRIORITY frame payload.
type streamDependencyInfo struct {
	// StreamDependency is the stream this stream depends on. 0 means the root.
	StreamDependency uint32

	// Weight is the frame-encoded weight (0-255, effective weight is value+1).
	Weight uint8

	// Exclusive marks this stream as the sole child of StreamDependency.
	Exclusive bool
}

// priorityNode is one stream's position in the dependency tree.
type priorityNode struct {
	streamID uint32

	// weight holds the frame-encoded value; scheduling uses weight+1.
	weight uint8

	// parentID 0 places the stream directly under the root.
	parentID uint32

	childrenIDs []uint32

	// exclusive records how the dependency was last declared.
	exclusive bool
}

// PriorityTree tracks the dependency tree a client builds through PRIORITY
// frames and HEADERS priority sections. Stream 0 is the implicit root; every
// stream starts out depending on it. Safe for concurrent use.
type PriorityTree struct {
	mu    sync.RWMutex
	nodes map[uint32]*priorityNode
}

// NewPriorityTree returns a tree holding only the root node for stream 0.
func NewPriorityTree() *PriorityTree {
	root := &priorityNode{
		streamID:    0,
		childrenIDs: make([]uint32, 0),
	}
	return &PriorityTree{
		nodes: map[uint32]*priorityNode{0: root},
	}
}

// getOrCreateNodeNoLock returns the node for streamID, creating it with
// default priority (dependent on stream 0, weight 15) when it does not exist.
// Implicitly created nodes are registered as children of the root.
// Caller must hold pt.mu.
func (pt *PriorityTree) getOrCreateNodeNoLock(streamID uint32) *priorityNode {
	if node, ok := pt.nodes[streamID]; ok {
		return node
	}
	node := &priorityNode{
		streamID:    streamID,
		weight:      defaultPriorityWeight,
		parentID:    0,
		childrenIDs: make([]uint32, 0),
	}
	pt.nodes[streamID] = node
	root := pt.nodes[0]
	root.childrenIDs = append(root.childrenIDs, streamID)
	return node
}

// detachFromParentNoLock removes node from its current parent's children list.
// Caller must hold pt.mu.
func (pt *PriorityTree) detachFromParentNoLock(node *priorityNode) {
	parent, ok := pt.nodes[node.parentID]
	if !ok {
		return
	}
	for i, id := range parent.childrenIDs {
		if id == node.streamID {
			parent.childrenIDs = append(parent.childrenIDs[:i], parent.childrenIDs[i+1:]...)
			break
		}
	}
}

// isDescendantNoLock reports whether the stream identified by id sits below
// ancestorID in the dependency tree. Caller must hold pt.mu.
func (pt *PriorityTree) isDescendantNoLock(id, ancestorID uint32) bool {
	for id != 0 {
		node, ok := pt.nodes[id]
		if !ok {
			return false
		}
		if node.parentID == ancestorID {
			return true
		}
		id = node.parentID
	}
	return false
}

// repositionNoLock re-homes streamID under dep per RFC 7540 Section 5.3.3.
// Both the stream and its new dependency are created on demand. Caller must
// hold pt.mu and have validated streamID and the dependency target.
func (pt *PriorityTree) repositionNoLock(streamID uint32, dep *streamDependencyInfo) {
	node := pt.getOrCreateNodeNoLock(streamID)
	newParent := pt.getOrCreateNodeNoLock(dep.StreamDependency)

	// A dependency on one of the stream's own descendants first moves that
	// descendant up to the stream's current parent, retaining its weight
	// (RFC 7540 Section 5.3.3).
	if dep.StreamDependency != 0 && pt.isDescendantNoLock(dep.StreamDependency, streamID) {
		pt.detachFromParentNoLock(newParent)
		newParent.parentID = node.parentID
		if grandparent, ok := pt.nodes[node.parentID]; ok {
			grandparent.childrenIDs = append(grandparent.childrenIDs, newParent.streamID)
		}
	}

	pt.detachFromParentNoLock(node)

	if dep.Exclusive {
		// The stream adopts all of the new parent's current children. Their
		// weights are untouched; only their parent changes.
		for _, childID := range newParent.childrenIDs {
			if childID == streamID {
				continue
			}
			if child, ok := pt.nodes[childID]; ok {
				child.parentID = streamID
				node.childrenIDs = append(node.childrenIDs, childID)
			}
		}
		newParent.childrenIDs = []uint32{streamID}
	} else {
		newParent.childrenIDs = append(newParent.childrenIDs, streamID)
	}

	node.parentID = dep.StreamDependency
	node.weight = dep.Weight
	node.exclusive = dep.Exclusive
}

// AddStream registers a stream in the priority tree. A nil prio applies the
// default priority: dependent on stream 0 with weight 15 (effective 16).
// A stream may depend on a stream that has not been seen yet; RFC 7540
// Section 5.3.4 requires such parents to be created with default priority.
func (pt *PriorityTree) AddStream(streamID uint32, prio *streamDependencyInfo) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot add or modify priority for stream 0 via AddStream")
	}

	dep := streamDependencyInfo{StreamDependency: 0, Weight: defaultPriorityWeight, Exclusive: false}
	if prio != nil {
		dep = *prio
	}
	if dep.StreamDependency == streamID {
		return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf("stream %d cannot depend on itself", streamID))
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.repositionNoLock(streamID, &dep)
	return nil
}

// ProcessPriorityFrame applies a PRIORITY frame to the tree. The frame may
// reference a stream in any state, including streams not yet created; those
// are instantiated with default priority first.
func (pt *PriorityTree) ProcessPriorityFrame(frame *PriorityFrame) error {
	streamID := frame.Header().StreamID
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame received on stream 0")
	}
	if frame.StreamDependency == streamID {
		return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf("stream %d cannot depend on itself", streamID))
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.repositionNoLock(streamID, &streamDependencyInfo{
		StreamDependency: frame.StreamDependency,
		Weight:           frame.Weight,
		Exclusive:        frame.Exclusive,
	})
	return nil
}

// UpdatePriority re-prioritizes an existing (or new) stream outside of frame
// processing, for example from HEADERS carrying a priority section.
func (pt *PriorityTree) UpdatePriority(streamID, parentID uint32, weight uint8, exclusive bool) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot add or modify priority for stream 0 via UpdatePriority")
	}
	if parentID == streamID {
		return NewStreamError(streamID, ErrCodeProtocolError, fmt.Sprintf("stream %d cannot depend on itself", streamID))
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.repositionNoLock(streamID, &streamDependencyInfo{
		StreamDependency: parentID,
		Weight:           weight,
		Exclusive:        exclusive,
	})
	return nil
}

// RemoveStream drops a closed stream from the tree. Its children are
// re-parented to the removed stream's parent, keeping their own weights
// (RFC 7540 Section 5.3.4). Removing an unknown stream is a no-op.
func (pt *PriorityTree) RemoveStream(streamID uint32) error {
	if streamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "cannot remove stream 0 from priority tree")
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	node, ok := pt.nodes[streamID]
	if !ok {
		return nil
	}

	parent, parentOK := pt.nodes[node.parentID]
	pt.detachFromParentNoLock(node)
	for _, childID := range node.childrenIDs {
		child, okChild := pt.nodes[childID]
		if !okChild {
			continue
		}
		child.parentID = node.parentID
		if parentOK {
			parent.childrenIDs = append(parent.childrenIDs, childID)
		}
	}
	delete(pt.nodes, streamID)
	return nil
}

// GetDependencies reports the parent, children and weight recorded for a
// stream. The children slice is a copy and safe to retain.
func (pt *PriorityTree) GetDependencies(streamID uint32) (parentID uint32, childrenIDs []uint32, weight uint8, err error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	node, ok := pt.nodes[streamID]
	if !ok {
		return 0, nil, 0, fmt.Errorf("stream %d not found in priority tree", streamID)
	}
	children := make([]uint32, len(node.childrenIDs))
	copy(children, node.childrenIDs)
	return node.parentID, children, node.weight, nil
}

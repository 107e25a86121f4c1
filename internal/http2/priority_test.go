package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priorityFrame(streamID, dep uint32, weight uint8, exclusive bool) *PriorityFrame {
	return &PriorityFrame{
		FrameHeader: FrameHeader{
			Type:     FramePriority,
			Length:   5,
			StreamID: streamID,
		},
		Exclusive:        exclusive,
		StreamDependency: dep,
		Weight:           weight,
	}
}

func TestPriorityTreeRootExists(t *testing.T) {
	tree := NewPriorityTree()

	parent, children, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)
	assert.Empty(t, children)
}

func TestPriorityTreeAddStreamDefaults(t *testing.T) {
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(3, nil))

	parent, children, weight, err := tree.GetDependencies(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)
	assert.Empty(t, children)
	assert.Equal(t, defaultPriorityWeight, weight)

	_, rootChildren, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, rootChildren)
}

func TestPriorityTreeAddStreamExplicitDependency(t *testing.T) {
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(3, nil))
	require.NoError(t, tree.AddStream(5, &streamDependencyInfo{StreamDependency: 3, Weight: 42}))

	parent, _, weight, err := tree.GetDependencies(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), parent)
	assert.Equal(t, uint8(42), weight)

	_, children, _, err := tree.GetDependencies(3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, children)
}

func TestPriorityTreeAddStreamUnknownParentCreated(t *testing.T) {
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(5, &streamDependencyInfo{StreamDependency: 3, Weight: 7}))

	// The referenced parent is instantiated with default priority under the root.
	parent, children, weight, err := tree.GetDependencies(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)
	assert.Equal(t, []uint32{5}, children)
	assert.Equal(t, defaultPriorityWeight, weight)
}

func TestPriorityTreeAddStreamRejectsStreamZero(t *testing.T) {
	tree := NewPriorityTree()

	err := tree.AddStream(0, nil)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ErrCodeProtocolError, connErr.Code)
}

func TestPriorityTreeAddStreamRejectsSelfDependency(t *testing.T) {
	tree := NewPriorityTree()

	err := tree.AddStream(7, &streamDependencyInfo{StreamDependency: 7})
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, uint32(7), streamErr.StreamID)
	assert.Equal(t, ErrCodeProtocolError, streamErr.Code)
}

func TestPriorityTreeExclusiveAdoptsSiblings(t *testing.T) {
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(3, nil))
	require.NoError(t, tree.AddStream(5, nil))
	require.NoError(t, tree.AddStream(7, &streamDependencyInfo{StreamDependency: 0, Weight: 99, Exclusive: true}))

	// Stream 7 is now the sole child of the root and the former root children
	// hang off stream 7.
	_, rootChildren, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, rootChildren)

	_, children, _, err := tree.GetDependencies(7)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{3, 5}, children)

	for _, id := range []uint32{3, 5} {
		parent, _, _, err := tree.GetDependencies(id)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), parent)
	}
}

func TestPriorityTreeProcessPriorityFrameReprioritizes(t *testing.T) {
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(3, nil))
	require.NoError(t, tree.AddStream(5, nil))

	require.NoError(t, tree.ProcessPriorityFrame(priorityFrame(5, 3, 200, false)))

	parent, _, weight, err := tree.GetDependencies(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), parent)
	assert.Equal(t, uint8(200), weight)

	_, rootChildren, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, rootChildren)
}

func TestPriorityTreeProcessPriorityFrameUnknownStream(t *testing.T) {
	tree := NewPriorityTree()

	// PRIORITY may arrive for a stream in any state, including idle.
	require.NoError(t, tree.ProcessPriorityFrame(priorityFrame(9, 0, 31, false)))

	parent, _, weight, err := tree.GetDependencies(9)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)
	assert.Equal(t, uint8(31), weight)
}

func TestPriorityTreeProcessPriorityFrameStreamZero(t *testing.T) {
	tree := NewPriorityTree()

	err := tree.ProcessPriorityFrame(priorityFrame(0, 3, 15, false))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ErrCodeProtocolError, connErr.Code)
}

func TestPriorityTreeProcessPriorityFrameSelfDependency(t *testing.T) {
	tree := NewPriorityTree()

	err := tree.ProcessPriorityFrame(priorityFrame(5, 5, 15, false))
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, uint32(5), streamErr.StreamID)
}

func TestPriorityTreeDependOnDescendantMovesItUp(t *testing.T) {
	// Build 0 -> 3 -> 5, then make 3 depend on 5. The descendant (5) is first
	// moved up to 3's old parent (the root), then 3 becomes a child of 5.
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(3, nil))
	require.NoError(t, tree.AddStream(5, &streamDependencyInfo{StreamDependency: 3, Weight: 10}))

	require.NoError(t, tree.UpdatePriority(3, 5, 20, false))

	parent5, children5, weight5, err := tree.GetDependencies(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent5)
	assert.Equal(t, []uint32{3}, children5)
	assert.Equal(t, uint8(10), weight5, "moved descendant keeps its weight")

	parent3, _, weight3, err := tree.GetDependencies(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), parent3)
	assert.Equal(t, uint8(20), weight3)

	_, rootChildren, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5}, rootChildren)
}

func TestPriorityTreeRemoveStreamReparentsChildren(t *testing.T) {
	// 0 -> 3 -> {5, 7}; removing 3 hangs 5 and 7 off the root with their own
	// weights intact.
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(3, nil))
	require.NoError(t, tree.AddStream(5, &streamDependencyInfo{StreamDependency: 3, Weight: 50}))
	require.NoError(t, tree.AddStream(7, &streamDependencyInfo{StreamDependency: 3, Weight: 70}))

	require.NoError(t, tree.RemoveStream(3))

	_, _, _, err := tree.GetDependencies(3)
	assert.Error(t, err)

	_, rootChildren, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{5, 7}, rootChildren)

	parent, _, weight, err := tree.GetDependencies(5)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)
	assert.Equal(t, uint8(50), weight)

	parent, _, weight, err = tree.GetDependencies(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)
	assert.Equal(t, uint8(70), weight)
}

func TestPriorityTreeRemoveUnknownStreamIsNoop(t *testing.T) {
	tree := NewPriorityTree()
	assert.NoError(t, tree.RemoveStream(99))
}

func TestPriorityTreeRemoveStreamZeroRejected(t *testing.T) {
	tree := NewPriorityTree()

	err := tree.RemoveStream(0)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ErrCodeProtocolError, connErr.Code)
}

func TestPriorityTreeGetDependenciesUnknownStream(t *testing.T) {
	tree := NewPriorityTree()

	_, _, _, err := tree.GetDependencies(42)
	assert.ErrorContains(t, err, "stream 42 not found")
}

func TestPriorityTreeGetDependenciesReturnsCopy(t *testing.T) {
	tree := NewPriorityTree()
	require.NoError(t, tree.AddStream(3, nil))

	_, children, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	require.Equal(t, []uint32{3}, children)
	children[0] = 999

	_, again, _, err := tree.GetDependencies(0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, again)
}

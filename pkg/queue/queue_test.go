package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgefleet/scheduler/pkg/types"
)

func TestPushPopFIFO(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Push(&types.Task{TaskID: "a"}, false)
	q.Push(&types.Task{TaskID: "b"}, false)

	first := q.Pop()
	second := q.Pop()

	assert.Equal(t, "a", first.TaskID)
	assert.Equal(t, "b", second.TaskID)
}

func TestPushHighPriorityGoesFront(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Push(&types.Task{TaskID: "normal"}, false)
	q.Push(&types.Task{TaskID: "urgent"}, true)

	first := q.Pop()
	assert.Equal(t, "urgent", first.TaskID)
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	defer q.Stop()

	resultCh := make(chan *types.Task, 1)
	go func() { resultCh <- q.Pop() }()

	select {
	case <-resultCh:
		t.Fatal("Pop returned before any Push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push(&types.Task{TaskID: "late"}, false)

	select {
	case task := <-resultCh:
		assert.Equal(t, "late", task.TaskID)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestCompleteMatchesByPathStem(t *testing.T) {
	q := New()
	defer q.Stop()

	task := &types.Task{TaskID: "foo.png"}
	q.AddRunning("node-a", task)

	found, ok := q.Complete("foo")
	require.True(t, ok)
	assert.Same(t, task, found)
}

func TestCompleteReturnsFalseOnNoMatch(t *testing.T) {
	q := New()
	defer q.Stop()

	_, ok := q.Complete("nonexistent")
	assert.False(t, ok)
}

func TestRecoverRequeuesInOriginalOrderAtFront(t *testing.T) {
	q := New()
	defer q.Stop()

	q.AddRunning("node-a", &types.Task{TaskID: "1"})
	q.AddRunning("node-a", &types.Task{TaskID: "2"})
	q.Push(&types.Task{TaskID: "3-already-pending"}, false)

	q.Recover("node-a")

	first := q.Pop()
	second := q.Pop()
	third := q.Pop()

	assert.Equal(t, "1", first.TaskID)
	assert.Equal(t, "2", second.TaskID)
	assert.Equal(t, "3-already-pending", third.TaskID)
	assert.Equal(t, 1, first.RetryCount)
}

func TestRecoverParksExhaustedRetriesAsFailed(t *testing.T) {
	q := New()
	defer q.Stop()

	task := &types.Task{TaskID: "doomed", RetryCount: types.MaxRetries}
	q.AddRunning("node-a", task)

	q.Recover("node-a")

	_, _, failed := q.Depths()
	assert.Equal(t, 1, failed)
}

func TestDepthsReflectsAllThreeStructures(t *testing.T) {
	q := New()
	defer q.Stop()

	q.Push(&types.Task{TaskID: "p"}, false)
	q.AddRunning("node-a", &types.Task{TaskID: "r"})
	q.MoveToFailed(&types.Task{TaskID: "f"})

	pending, running, failed := q.Depths()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, running)
	assert.Equal(t, 1, failed)
}

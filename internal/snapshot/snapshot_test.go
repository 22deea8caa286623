package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/corevm/internal/heap"
	"github.com/joeycumines/corevm/internal/safepoint"
	"github.com/joeycumines/corevm/internal/scheduler"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/stretchr/testify/require"
)

func newTestSources(t *testing.T) (Sources, *heap.ClassRegistry) {
	t.Helper()
	classes := heap.NewClassRegistry()
	classes.Register(&heap.ClassSchema{
		Name:          "Point",
		FieldNames:    []string{"x", "y"},
		FieldIndex:    map[string]int{"x": 0, "y": 1},
		ParentClassID: -1,
	})
	globals := heap.NewGlobals(2)
	coord := safepoint.New(1, nil)
	h := heap.New(coord, classes, globals, 0, nil)

	return Sources{
		Heap:     h,
		Classes:  classes,
		Globals:  globals,
		Tasks:    scheduler.NewRegistry(),
		Mutexes:  syncx.NewRegistry(),
		Channels: syncx.NewChannelRegistry(),
	}, classes
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	sources, classes := newTestSources(t)

	schema, _ := classes.ByName("Point")
	inst, err := sources.Heap.Alloc(context.Background(), heap.NewInstance(schema))
	require.NoError(t, err)
	point := inst.(*heap.Instance)
	point.Fields[0] = value.Int(3)
	point.Fields[1] = value.Int(4)

	cell, err := sources.Heap.Alloc(context.Background(), heap.NewRefCell(value.Int(99)))
	require.NoError(t, err)

	arrObj, err := sources.Heap.Alloc(context.Background(), heap.NewArray(value.Object(point), value.Int(7)))
	require.NoError(t, err)
	arr := arrObj.(*heap.Array)

	closureObj, err := sources.Heap.Alloc(context.Background(), heap.NewClosure(12, []heap.Capture{
		{Cell: cell.(*heap.RefCell)},
		{Value: value.Bool(true)},
	}))
	require.NoError(t, err)

	sources.Globals.Set(0, value.Array(arr))
	sources.Globals.Set(1, value.Closure(closureObj))

	mtx := sources.Mutexes.New()
	other := sources.Mutexes.New()
	acquired := mtx.Lock(1)
	require.True(t, acquired)
	blocked := mtx.Lock(2)
	require.False(t, blocked)

	ch := sources.Channels.New(1)
	_, delivered, mustBlock := ch.TrySend(3, value.Int(55))
	require.True(t, delivered)
	require.False(t, mustBlock)

	tk := task.New(sources.Tasks.NextID(), nil)
	tk.OperandStack = []value.Value{value.Object(point), value.Int(1), syncx.Handle(mtx.ID)}
	tk.Frames = []task.Frame{{FunctionID: 1, ReturnIP: 10, LocalBase: 0, Disposition: task.DispositionPush}}
	tk.Reason = task.SuspendReason{Kind: task.SuspendAcquireMutex, TargetID: mtx.ID, Deadline: time.Unix(1000, 0)}
	tk.TryTransition(task.StatusReady, task.StatusSuspended)
	tk.HoldMutex(other.ID)
	sources.Tasks.Put(tk)

	data, err := Capture(sources)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	restoredSources, _ := newTestSources(t)
	// Restore into fresh subsystems sharing the same pre-loaded class registry.
	restoredSources.Classes = classes

	require.NoError(t, Restore(data, restoredSources))

	restoredGlobals := restoredSources.Globals.All()
	require.Len(t, restoredGlobals, 2)
	require.Equal(t, value.KindArray, restoredGlobals[0].Kind())
	restoredArr := restoredGlobals[0].Ref().(*heap.Array)
	require.Len(t, restoredArr.Elements, 2)
	require.Equal(t, value.KindObject, restoredArr.Elements[0].Kind())
	restoredPoint := restoredArr.Elements[0].Ref().(*heap.Instance)
	require.Equal(t, int32(3), restoredPoint.Fields[0].Int())
	require.Equal(t, int32(4), restoredPoint.Fields[1].Int())
	require.Equal(t, int32(7), restoredArr.Elements[1].Int())

	require.Equal(t, value.KindClosure, restoredGlobals[1].Kind())
	restoredClosure := restoredGlobals[1].Ref().(*heap.Closure)
	require.Equal(t, uint32(12), restoredClosure.FunctionID)
	require.NotNil(t, restoredClosure.Captures[0].Cell)
	require.Equal(t, int32(99), restoredClosure.Captures[0].Cell.Value.Int())
	require.True(t, restoredClosure.Captures[1].Value.Bool())

	restoredTasks := restoredSources.Tasks.Snapshot()
	require.Len(t, restoredTasks, 1)
	rt := restoredTasks[0]
	require.Equal(t, task.StatusSuspended, rt.Status())
	require.Equal(t, task.SuspendAcquireMutex, rt.Reason.Kind)
	require.Equal(t, mtx.ID, rt.Reason.TargetID)
	require.True(t, rt.Reason.Deadline.Equal(time.Unix(1000, 0)))
	require.Contains(t, rt.HeldMutexes(), other.ID)
	require.Equal(t, value.KindMutex, rt.OperandStack[2].Kind())

	mutexStates := restoredSources.Mutexes.Snapshot()
	require.Len(t, mutexStates, 2)

	channelStates := restoredSources.Channels.Snapshot()
	require.Len(t, channelStates, 1)
	require.Equal(t, 1, channelStates[0].Capacity)
	require.Len(t, channelStates[0].Buffer, 1)
	require.Equal(t, int32(55), channelStates[0].Buffer[0].Int())
}

func TestRestoreRejectsCorruptPayload(t *testing.T) {
	sources, _ := newTestSources(t)
	data, err := Capture(sources)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	err = Restore(data, sources)
	require.Error(t, err)
}

func TestRestoreRejectsBadMagic(t *testing.T) {
	sources, _ := newTestSources(t)
	data, err := Capture(sources)
	require.NoError(t, err)
	data[0] = 'X'
	err = Restore(data, sources)
	require.Error(t, err)
}

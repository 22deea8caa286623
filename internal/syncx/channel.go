package syncx

import (
	"sync"

	"github.com/joeycumines/corevm/internal/value"
)

// Channel implements the blocked-senders/blocked-receivers rendezvous list
// of spec §4.4's ChannelOp suspend reason. A send and a matching receive
// rendezvous directly: the value never sits in an intermediate buffer,
// matching an unbuffered channel; Capacity > 0 allows up to Capacity
// in-flight values to be buffered without a waiting receiver.
type Channel struct {
	ID       uint64
	Capacity int

	mu        sync.Mutex
	buffer    []value.Value
	senders   []blockedSender
	receivers []uint64 // task ids
	closed    bool
}

type blockedSender struct {
	taskID uint64
	value  value.Value
}

func NewChannel(id uint64, capacity int) *Channel {
	return &Channel{ID: id, Capacity: capacity}
}

// TrySend attempts to hand v to a waiting receiver or the buffer. If a
// receiver is waiting, it returns that receiver's id so the scheduler can
// wake it with v delivered; if the buffer has room, it buffers and reports
// delivered=true with no waiter to wake; otherwise the caller must suspend
// as ChannelOp(send).
func (c *Channel) TrySend(taskID uint64, v value.Value) (wokeReceiver uint64, delivered bool, mustBlock bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.receivers) > 0 {
		rid := c.receivers[0]
		c.receivers = c.receivers[1:]
		return rid, true, false
	}
	if len(c.buffer) < c.Capacity {
		c.buffer = append(c.buffer, v)
		return 0, true, false
	}
	c.senders = append(c.senders, blockedSender{taskID: taskID, value: v})
	return 0, false, true
}

// TryReceive attempts to take a value from the buffer or a waiting sender.
func (c *Channel) TryReceive(taskID uint64) (v value.Value, wokeSender uint64, delivered bool, mustBlock bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buffer) > 0 {
		v = c.buffer[0]
		c.buffer = c.buffer[1:]
		if len(c.senders) > 0 {
			s := c.senders[0]
			c.senders = c.senders[1:]
			c.buffer = append(c.buffer, s.value)
			return v, s.taskID, true, false
		}
		return v, 0, true, false
	}
	if len(c.senders) > 0 {
		s := c.senders[0]
		c.senders = c.senders[1:]
		return s.value, s.taskID, true, false
	}
	c.receivers = append(c.receivers, taskID)
	return value.Null, 0, false, true
}

func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ChannelRegistry is the global channel table, mirroring Registry's role
// for Mutex: channels are heap-allocated with extra identity (spec §3), so
// the scheduler resolves a ChannelOp suspend reason's TargetID through here
// rather than through the Value itself.
type ChannelRegistry struct {
	mu       sync.RWMutex
	nextID   uint64
	channels map[uint64]*Channel
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[uint64]*Channel), nextID: 1}
}

func (r *ChannelRegistry) New(capacity int) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	ch := NewChannel(id, capacity)
	r.channels[id] = ch
	return ch
}

func (r *ChannelRegistry) Get(id uint64) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// SenderState is one blocked sender captured by ChannelState.
type SenderState struct {
	TaskID uint64
	Value  value.Value
}

// ChannelState is a point-in-time snapshot of one channel's rendezvous
// state, for the snapshot subsystem (spec §6).
type ChannelState struct {
	ID        uint64
	Capacity  int
	Buffer    []value.Value
	Senders   []SenderState
	Receivers []uint64
	Closed    bool
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	senders := make([]SenderState, len(c.senders))
	for i, s := range c.senders {
		senders[i] = SenderState{TaskID: s.taskID, Value: s.value}
	}
	return ChannelState{
		ID:        c.ID,
		Capacity:  c.Capacity,
		Buffer:    append([]value.Value(nil), c.buffer...),
		Senders:   senders,
		Receivers: append([]uint64(nil), c.receivers...),
		Closed:    c.closed,
	}
}

// Snapshot returns every registered channel's state.
func (r *ChannelRegistry) Snapshot() []ChannelState {
	r.mu.RLock()
	chans := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()
	out := make([]ChannelState, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.State())
	}
	return out
}

// NextIDValue reports the id the next New call will assign.
func (r *ChannelRegistry) NextIDValue() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// Restore replaces the registry's contents with previously captured states,
// continuing id allocation from nextID.
func (r *ChannelRegistry) Restore(states []ChannelState, nextID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = make(map[uint64]*Channel, len(states))
	for _, s := range states {
		senders := make([]blockedSender, len(s.Senders))
		for i, sd := range s.Senders {
			senders[i] = blockedSender{taskID: sd.TaskID, value: sd.Value}
		}
		r.channels[s.ID] = &Channel{
			ID:        s.ID,
			Capacity:  s.Capacity,
			buffer:    append([]value.Value(nil), s.Buffer...),
			senders:   senders,
			receivers: append([]uint64(nil), s.Receivers...),
			closed:    s.Closed,
		}
	}
	r.nextID = nextID
}

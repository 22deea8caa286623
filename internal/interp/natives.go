package interp

import (
	"context"

	"github.com/joeycumines/corevm/internal/bytecode"
	"github.com/joeycumines/corevm/internal/native"
	"github.com/joeycumines/corevm/internal/scheduler"
	"github.com/joeycumines/corevm/internal/syncx"
	"github.com/joeycumines/corevm/internal/task"
	"github.com/joeycumines/corevm/internal/value"
	"github.com/joeycumines/corevm/internal/vmerr"
)

func (in *Interpreter) opNativeCall(ctx context.Context, t *task.Task, fn *bytecode.Function, ip *uint32, byName bool) stepResult {
	in.Coord.PollPoint(ctx)

	var id uint32
	var argc int
	if byName {
		idx := readU32(fn, ip)
		argc = int(readU8(fn, ip))
		name := fn.Constants[idx].Str
		resolved, ok := in.Natives.ResolveName(name)
		if !ok {
			if _, err := popN(t, argc); err != nil {
				return fail(t, err)
			}
			return in.raise(t, vmerr.Newf(vmerr.KindNativeError, "unknown native %q", name))
		}
		id = resolved
	} else {
		id = readU32(fn, ip)
		argc = int(readU8(fn, ip))
	}

	args, err := popN(t, argc)
	if err != nil {
		return fail(t, err)
	}

	nctx := &native.Context{
		Heap:      in.Heap,
		Classes:   in.Classes,
		Globals:   in.Globals,
		TaskID:    t.ID,
		Scheduler: in.Sched,
	}
	res := in.Natives.Invoke(id, nctx, args)
	in.Coord.PollPoint(ctx)

	switch res.Kind {
	case native.ResultValue:
		push(t, res.Value)
		return rOK()
	case native.ResultError:
		return in.raise(t, vmerr.New(vmerr.KindNativeError, res.Message))
	case native.ResultUnhandled:
		return in.raise(t, vmerr.Newf(vmerr.KindNativeError, "native id %d unhandled", id))
	case native.ResultSuspend:
		return in.suspendOnNative(t, res.Request)
	default:
		return fail(t, vmerr.Trap(vmerr.KindInvalidOpcode, "native handler returned unknown result kind"))
	}
}

// suspendOnNative inspects the concrete type of a ResultSuspend's Request.
// Channel requests bypass the io reactor entirely and become a
// SuspendChannelOp the scheduler resolves directly against the channel
// registry; anything else is treated as opaque host I/O (spec §4.4/§4.7).
func (in *Interpreter) suspendOnNative(t *task.Task, req any) stepResult {
	switch r := req.(type) {
	case *channelSendRequest:
		return suspendWith(t, task.SuspendReason{
			Kind:     task.SuspendChannelOp,
			TargetID: r.ChannelID,
			IsSend:   true,
			Payload:  r.Value,
		})
	case *channelRecvRequest:
		return suspendWith(t, task.SuspendReason{
			Kind:     task.SuspendChannelOp,
			TargetID: r.ChannelID,
		})
	default:
		return suspendWith(t, task.SuspendReason{Kind: task.SuspendNativeIO, IORequest: req})
	}
}

// channelSendRequest/channelRecvRequest are the opaque Request payloads the
// channel natives hand back via native.Suspend when a rendezvous can't
// complete synchronously.
type channelSendRequest struct {
	ChannelID uint64
	Value     value.Value
}

type channelRecvRequest struct {
	ChannelID uint64
}

// RegisterChannelNatives binds the channel.* native functions backing the
// language's channel type (spec §4.5). Channels have no dedicated Kind in
// the value union, so a channel "handle" at the bytecode level is simply
// the integer id channels.New assigns, passed around like any other int.
func RegisterChannelNatives(reg *native.Registry, channels *syncx.ChannelRegistry) {
	reg.RegisterName("channel.new", channelNewHandler(channels))
	reg.RegisterName("channel.send", channelSendHandler(channels))
	reg.RegisterName("channel.receive", channelReceiveHandler(channels))
	reg.RegisterName("channel.close", channelCloseHandler(channels))
}

func channelNewHandler(channels *syncx.ChannelRegistry) native.Handler {
	return func(nctx *native.Context, args []value.Value) native.Result {
		capacity := 0
		if len(args) > 0 && args[0].IsNumeric() {
			capacity = int(args[0].AsFloat())
		}
		ch := channels.New(capacity)
		return native.Value_(value.Int(int32(ch.ID)))
	}
}

func channelSendHandler(channels *syncx.ChannelRegistry) native.Handler {
	return func(nctx *native.Context, args []value.Value) native.Result {
		if len(args) != 2 {
			return native.Error("channel.send requires (channel, value)")
		}
		id := uint64(args[0].Int())
		ch, ok := channels.Get(id)
		if !ok {
			return native.Error("channel.send: unknown channel")
		}
		woke, delivered, _ := ch.TrySend(nctx.TaskID, args[1])
		if delivered {
			if woke != 0 {
				if s, ok := nctx.Scheduler.(*scheduler.Scheduler); ok {
					if r, ok := s.Registry().Get(woke); ok {
						r.Reason.Payload = args[1]
					}
				}
				nctx.Scheduler.Wake(woke)
			}
			return native.Value_(value.Null)
		}
		return native.Suspend(&channelSendRequest{ChannelID: id, Value: args[1]})
	}
}

func channelReceiveHandler(channels *syncx.ChannelRegistry) native.Handler {
	return func(nctx *native.Context, args []value.Value) native.Result {
		if len(args) != 1 {
			return native.Error("channel.receive requires (channel)")
		}
		id := uint64(args[0].Int())
		ch, ok := channels.Get(id)
		if !ok {
			return native.Error("channel.receive: unknown channel")
		}
		v, woke, delivered, _ := ch.TryReceive(nctx.TaskID)
		if delivered {
			if woke != 0 {
				nctx.Scheduler.Wake(woke)
			}
			return native.Value_(v)
		}
		return native.Suspend(&channelRecvRequest{ChannelID: id})
	}
}

func channelCloseHandler(channels *syncx.ChannelRegistry) native.Handler {
	return func(nctx *native.Context, args []value.Value) native.Result {
		if len(args) != 1 {
			return native.Error("channel.close requires (channel)")
		}
		id := uint64(args[0].Int())
		ch, ok := channels.Get(id)
		if !ok {
			return native.Error("channel.close: unknown channel")
		}
		ch.Close()
		return native.Value_(value.Null)
	}
}

// RegisterMutexNatives binds mutex.new. There is no dedicated bytecode
// opcode for mutex creation (unlike lock/unlock, which do have opcodes),
// so allocation goes through the native path like channel creation does.
func RegisterMutexNatives(reg *native.Registry, mutexes *syncx.Registry) {
	reg.RegisterName("mutex.new", mutexNewHandler(mutexes))
}

func mutexNewHandler(mutexes *syncx.Registry) native.Handler {
	return func(nctx *native.Context, args []value.Value) native.Result {
		m := mutexes.New()
		return native.Value_(syncx.Handle(m.ID))
	}
}

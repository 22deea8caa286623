package native

import (
	"testing"

	"github.com/joeycumines/corevm/internal/value"
)

func TestRegistryDispatchByID(t *testing.T) {
	r := NewRegistry()
	r.RegisterID(7, func(ctx *Context, args []value.Value) Result {
		return Value_(value.Int(args[0].Int() + 1))
	})
	res := r.Invoke(7, &Context{}, []value.Value{value.Int(41)})
	if res.Kind != ResultValue || res.Value.Int() != 42 {
		t.Fatalf("expected Value(42), got %+v", res)
	}
}

func TestRegistryUnhandledForUnknownID(t *testing.T) {
	r := NewRegistry()
	res := r.Invoke(999, &Context{}, nil)
	if res.Kind != ResultUnhandled {
		t.Fatalf("expected Unhandled, got %+v", res)
	}
}

func TestRegisterNameResolvesToDenseID(t *testing.T) {
	r := NewRegistry()
	id := r.RegisterName("os.read", func(ctx *Context, args []value.Value) Result {
		return Suspend("read-request")
	})
	resolved, ok := r.ResolveName("os.read")
	if !ok || resolved != id {
		t.Fatalf("expected name to resolve to id %d, got %d, %v", id, resolved, ok)
	}
	res := r.Invoke(id, &Context{}, nil)
	if res.Kind != ResultSuspend || res.Request != "read-request" {
		t.Fatalf("expected Suspend(\"read-request\"), got %+v", res)
	}
}

func TestHandlerCanReturnError(t *testing.T) {
	r := NewRegistry()
	r.RegisterID(1, func(ctx *Context, args []value.Value) Result {
		return Error("boom")
	})
	res := r.Invoke(1, &Context{}, nil)
	if res.Kind != ResultError || res.Message != "boom" {
		t.Fatalf("expected Error(\"boom\"), got %+v", res)
	}
}

//go:build !windows

package ioreactor

import (
	"context"
	"os"
	"testing"
)

func TestDefaultFileExecutorReadWrite(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "corevm-ioreactor-*")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	writeReq := &Request{TaskID: 1, Category: "fs.write", Payload: FileWriteRequest{Fd: int(f.Fd()), Data: []byte("hello")}}
	if err := DefaultFileExecutor(context.Background(), []*Request{writeReq}); err != nil {
		t.Fatal(err)
	}
	if writeReq.result.Err != nil {
		t.Fatalf("unexpected write error: %v", writeReq.result.Err)
	}
	if n := writeReq.result.Value.Int(); n != 5 {
		t.Fatalf("expected 5 bytes written, got %d", n)
	}

	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}

	readReq := &Request{TaskID: 2, Category: "fs.read", Payload: FileReadRequest{Fd: int(f.Fd()), Size: 16}}
	if err := DefaultFileExecutor(context.Background(), []*Request{readReq}); err != nil {
		t.Fatal(err)
	}
	if readReq.result.Err != nil {
		t.Fatalf("unexpected read error: %v", readReq.result.Err)
	}
	if got := readReq.result.Value.Str(); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}
}

func TestDefaultFileExecutorUnsupportedCategory(t *testing.T) {
	req := &Request{TaskID: 1, Category: "net.dial", Payload: 42}
	if err := DefaultFileExecutor(context.Background(), []*Request{req}); err != nil {
		t.Fatal(err)
	}
	if req.result.Err == nil {
		t.Fatal("expected an error for an unsupported payload type")
	}
}

//go:build !windows

package ioreactor

import (
	"context"
	"fmt"

	"github.com/joeycumines/corevm/internal/value"
	"golang.org/x/sys/unix"
)

// FileReadRequest is the Payload of a "fs.read" Request served by
// DefaultFileExecutor: read up to Size bytes from an already-open fd.
type FileReadRequest struct {
	Fd   int
	Size int
}

// FileWriteRequest is the Payload of a "fs.write" Request served by
// DefaultFileExecutor: write Data to an already-open fd.
type FileWriteRequest struct {
	Fd   int
	Data []byte
}

// DefaultFileExecutor is a minimal host Executor for the "fs.read" and
// "fs.write" categories, operating directly on raw file descriptors via
// unix.Read/unix.Write rather than Go's runtime-integrated *os.File. It
// retries on EINTR until the call is not interrupted and treats EAGAIN as a short read/write of zero
// rather than blocking the batch — an embedder wanting real readiness
// notification should supply its own Executor backed by an event loop
// instead.
//
// It exists as the built-in fallback cmd/corevm wires in when no host
// Executor is configured, so that "corevm exec" can run a module whose
// natives issue plain file I/O without requiring an embedder to provide
// one.
func DefaultFileExecutor(ctx context.Context, reqs []*Request) error {
	for _, req := range reqs {
		switch p := req.Payload.(type) {
		case FileReadRequest:
			SetResult(req, fileRead(p))
		case FileWriteRequest:
			SetResult(req, fileWrite(p))
		default:
			SetResult(req, Completion{Err: fmt.Errorf("ioreactor: DefaultFileExecutor does not support category %q", req.Category)})
		}
	}
	return nil
}

func fileRead(p FileReadRequest) Completion {
	buf := make([]byte, p.Size)
	for {
		n, err := unix.Read(p.Fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return Completion{Value: value.String(value.NewString(""))}
		}
		if err != nil {
			return Completion{Err: err}
		}
		return Completion{Value: value.String(value.NewString(string(buf[:n])))}
	}
}

func fileWrite(p FileWriteRequest) Completion {
	data := p.Data
	for {
		n, err := unix.Write(p.Fd, data)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return Completion{Value: value.Int(0)}
		}
		if err != nil {
			return Completion{Err: err}
		}
		return Completion{Value: value.Int(int32(n))}
	}
}

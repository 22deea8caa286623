//go:build windows

package ioreactor

import (
	"context"
	"fmt"
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

// DefaultFileExecutor has no raw-fd implementation on Windows; an embedder
// targeting Windows must supply its own Executor.
func DefaultFileExecutor(ctx context.Context, reqs []*Request) error {
	for _, req := range reqs {
		SetResult(req, Completion{Err: fmt.Errorf("ioreactor: DefaultFileExecutor is unsupported on windows (category %q)", req.Category)})
	}
	return nil
}

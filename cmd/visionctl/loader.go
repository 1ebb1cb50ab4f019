package main

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/jangala-dev/visionspi/engine/firmware"
)

// fileLoader streams a firmware blob read from disk at construction time,
// the host-side counterpart to the platform-specific blob store spec.md §1
// treats as an external collaborator.
type fileLoader struct{ data []byte }

func newFileLoader(path string) (fileLoader, error) {
	if path == "" {
		return fileLoader{data: defaultBlob}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileLoader{}, err
	}
	return fileLoader{data: data}, nil
}

func (l fileLoader) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.data)), nil
}

var _ firmware.Loader = fileLoader{}

// defaultBlob stands in for a real Myriad firmware image when the caller
// doesn't point -fw at one; the simulated slave never inspects its bytes.
var defaultBlob = []byte("visionctl-sim-firmware")

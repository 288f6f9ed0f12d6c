//go:build !govips || !cgo

package pipeline

import "github.com/dunamismax/softframe/internal/frame"

func Startup() error {
	return nil
}

func Shutdown() {}

func newRuntime() (frame.Backdrop, Codec, error) {
	return frame.ImagingBackdrop{}, imagingCodec{}, nil
}

package framecore

import "errors"

// Renderer errors.
var (
	// ErrDeviceLost is returned once a fence wait has failed or timed out.
	// The renderer cannot recover; close it and create a new device.
	ErrDeviceLost = errors.New("framecore: device lost")

	// ErrInvalidHandle is returned for buffer or texture handles the
	// renderer does not know.
	ErrInvalidHandle = errors.New("framecore: invalid handle")

	// ErrClosed is returned by operations on a closed renderer.
	ErrClosed = errors.New("framecore: renderer closed")
)

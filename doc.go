// Package framecore is the frame-submission core of a GPU renderer.
//
// # Overview
//
// framecore sits between application code that describes what to draw and
// a gpucore.Device that talks to the GPU. It keeps the CPU a bounded number
// of frames ahead of the GPU and never releases a resource the GPU may
// still read.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/framecore"
//	    "github.com/gogpu/framecore/backend"
//	    _ "github.com/gogpu/framecore/backend/native"
//	)
//
//	dev, _ := backend.Default()
//	defer dev.Close()
//
//	r, _ := framecore.New(dev)
//	defer r.Close()
//
//	for running {
//	    if err := r.BeginFrame(); err != nil {
//	        break // framecore.ErrDeviceLost
//	    }
//	    _ = r.Upload(vertices, 0, data)
//	    _ = r.Submit(target, stream)
//	    r.EndFrame()
//	}
//
// # Architecture
//
// The library is organized into:
//   - handle: generational handles and the Pool and HotColdPool containers
//   - droplist: deferred destruction, purged once a frame's fence is reached
//   - staging: the upload ring feeding buffers and textures over a transfer queue
//   - geometry: one shared vertex and index buffer with sub-allocated ranges
//   - descriptor: binding-set cache with lazy bind group materialization
//   - drawstream: delta-encoded draw commands and their replay
//   - pipeline: WGSL compilation and deduplicated render pipelines
//   - backend: device registry, with the hal device in backend/native
//
// Renderer ties them together around a single timeline fence.
//
// # Thread Safety
//
// Every Renderer method is safe for concurrent use. Frames are strictly
// sequential: BeginFrame, Submit and EndFrame must not interleave across
// goroutines.
package framecore

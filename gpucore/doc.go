// Package gpucore defines the native graphics boundary of the frame core.
//
// Everything above this package (staging ring, binding-table cache, draw
// stream replay, renderer) talks to the GPU only through the [Device],
// [CommandEncoder] and [RenderPassEncoder] interfaces, using opaque IDs
// ([BufferID], [BindGroupID], ...). A backend maps IDs to real API objects.
//
//	     +-----------------------------------+
//	     |  framecore / staging / descriptor |
//	     |  drawstream / pipeline            |
//	     +-----------------+-----------------+
//	                       |
//	               +-------v-------+
//	               |    gpucore    |
//	               +-------+-------+
//	                       |
//	          +------------+------------+
//	          |                         |
//	 +--------v--------+       +--------v--------+
//	 | backend/native  |       | internal/gputest|
//	 |  (wgpu hal)     |       |  (recording)    |
//	 +-----------------+       +-----------------+
//
// # Fallibility
//
// Every call that can fail on a real driver returns an error. Destroy calls
// do not: destroying an unknown ID is a no-op, matching how the drop list
// treats already-released objects.
//
// # Queues
//
// The interface models two logical queues, [QueueGraphics] and
// [QueueTransfer]. Backends with a single hardware queue map both to it and
// treat ownership-transfer barriers as plain usage transitions.
package gpucore

// Package droplist implements deferred destruction of GPU objects.
//
// Objects that become unreferenced during a frame are pushed onto that
// frame's List. The renderer purges the list only after the fence of the
// frame that built it has signaled, so nothing the GPU may still read is
// destroyed early. Destruction is never tied to CPU scope.
package droplist

import (
	"fmt"
	"sync"

	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/internal/logging"
)

// Kind identifies the type of a retired object.
type Kind uint8

// Retired object kinds.
const (
	KindBuffer Kind = iota
	KindTexture
	KindTextureView
	KindSampler
	KindBindGroup
	KindRenderPipeline
	KindShaderModule
	KindCommandBuffer

	// KindUniformRange is a byte range in a uniform arena, not a GPU object.
	KindUniformRange

	// KindGeometryRange is a byte range in the shared geometry buffer.
	KindGeometryRange
)

var kindNames = [...]string{
	KindBuffer:         "buffer",
	KindTexture:        "texture",
	KindTextureView:    "texture-view",
	KindSampler:        "sampler",
	KindBindGroup:      "bind-group",
	KindRenderPipeline: "render-pipeline",
	KindShaderModule:   "shader-module",
	KindCommandBuffer:  "command-buffer",
	KindUniformRange:   "uniform-range",
	KindGeometryRange:  "geometry-range",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Entry is one retired object.
type Entry struct {
	Kind Kind
	ID   uint64

	// Offset and Size locate a range entry in the buffer it came from.
	Offset uint64
	Size   uint64
}

// Releaser takes back retired byte ranges.
type Releaser interface {
	Release(offset, size uint64)
}

// Releasers routes purged ranges to their owners. A nil field is fine
// when no range of that kind was retired.
type Releasers struct {
	Uniform  Releaser
	Geometry Releaser
}

// List is a goroutine-safe append-only list of retired objects.
type List struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns an empty list.
func New() *List {
	return &List{}
}

// Push appends e.
func (l *List) Push(e Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

// PushBuffer retires a buffer.
func (l *List) PushBuffer(id gpucore.BufferID) {
	l.Push(Entry{Kind: KindBuffer, ID: uint64(id)})
}

// PushTexture retires a texture.
func (l *List) PushTexture(id gpucore.TextureID) {
	l.Push(Entry{Kind: KindTexture, ID: uint64(id)})
}

// PushTextureView retires a texture view.
func (l *List) PushTextureView(id gpucore.TextureViewID) {
	l.Push(Entry{Kind: KindTextureView, ID: uint64(id)})
}

// PushSampler retires a sampler.
func (l *List) PushSampler(id gpucore.SamplerID) {
	l.Push(Entry{Kind: KindSampler, ID: uint64(id)})
}

// PushBindGroup retires a bind group.
func (l *List) PushBindGroup(id gpucore.BindGroupID) {
	l.Push(Entry{Kind: KindBindGroup, ID: uint64(id)})
}

// PushRenderPipeline retires a render pipeline.
func (l *List) PushRenderPipeline(id gpucore.RenderPipelineID) {
	l.Push(Entry{Kind: KindRenderPipeline, ID: uint64(id)})
}

// PushShaderModule retires a shader module.
func (l *List) PushShaderModule(id gpucore.ShaderModuleID) {
	l.Push(Entry{Kind: KindShaderModule, ID: uint64(id)})
}

// PushCommandBuffer retires a submitted command buffer.
func (l *List) PushCommandBuffer(id gpucore.CommandBufferID) {
	l.Push(Entry{Kind: KindCommandBuffer, ID: uint64(id)})
}

// PushUniformRange retires a uniform arena range.
func (l *List) PushUniformRange(offset, size uint64) {
	l.Push(Entry{Kind: KindUniformRange, Offset: offset, Size: size})
}

// PushGeometryRange retires a geometry buffer range.
func (l *List) PushGeometryRange(offset, size uint64) {
	l.Push(Entry{Kind: KindGeometryRange, Offset: offset, Size: size})
}

// Len returns the number of pending entries.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Take moves all entries out of the list.
func (l *List) Take() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

// Merge moves every entry of other onto l.
func (l *List) Merge(other *List) {
	if other == l {
		return
	}
	moved := other.Take()
	l.mu.Lock()
	l.entries = append(l.entries, moved...)
	l.mu.Unlock()
}

// Purge destroys every entry on device, returns ranges to rs and empties
// the list. The caller must have waited for the GPU to finish with these
// objects.
func (l *List) Purge(device gpucore.Device, rs Releasers) int {
	entries := l.Take()
	for _, e := range entries {
		switch e.Kind {
		case KindBuffer:
			device.DestroyBuffer(gpucore.BufferID(e.ID))
		case KindTexture:
			device.DestroyTexture(gpucore.TextureID(e.ID))
		case KindTextureView:
			device.DestroyTextureView(gpucore.TextureViewID(e.ID))
		case KindSampler:
			device.DestroySampler(gpucore.SamplerID(e.ID))
		case KindBindGroup:
			device.DestroyBindGroup(gpucore.BindGroupID(e.ID))
		case KindRenderPipeline:
			device.DestroyRenderPipeline(gpucore.RenderPipelineID(e.ID))
		case KindShaderModule:
			device.DestroyShaderModule(gpucore.ShaderModuleID(e.ID))
		case KindCommandBuffer:
			device.FreeCommandBuffer(gpucore.CommandBufferID(e.ID))
		case KindUniformRange:
			release(rs.Uniform, e)
		case KindGeometryRange:
			release(rs.Geometry, e)
		default:
			logging.Logger().Warn("droplist: unknown kind", "kind", e.Kind, "id", e.ID)
		}
	}
	if len(entries) > 0 {
		logging.Logger().Debug("droplist: purged", "count", len(entries))
	}
	return len(entries)
}

func release(r Releaser, e Entry) {
	if r == nil {
		logging.Logger().Warn("droplist: range has no owner", "kind", e.Kind, "offset", e.Offset)
		return
	}
	r.Release(e.Offset, e.Size)
}

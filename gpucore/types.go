package gpucore

import "fmt"

// Resource IDs
//
// These opaque IDs represent GPU objects. Each backend keeps the mapping
// between IDs and actual API objects. IDs are uint64 to accommodate
// various backend handle sizes.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// TextureID is an opaque handle to a GPU texture.
type TextureID uint64

// TextureViewID is an opaque handle to a texture view.
type TextureViewID uint64

// SamplerID is an opaque handle to a sampler.
type SamplerID uint64

// ShaderModuleID is an opaque handle to a compiled shader module.
type ShaderModuleID uint64

// BindGroupLayoutID is an opaque handle to a bind group layout.
type BindGroupLayoutID uint64

// BindGroupID is an opaque handle to a bind group (binding set).
type BindGroupID uint64

// RenderPipelineID is an opaque handle to a render pipeline.
type RenderPipelineID uint64

// FenceID is an opaque handle to a timeline fence.
type FenceID uint64

// SemaphoreID is an opaque handle to a GPU-GPU semaphore.
type SemaphoreID uint64

// CommandBufferID is an opaque handle to a finished command buffer.
type CommandBufferID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// QueueKind selects the logical queue a command buffer runs on.
type QueueKind uint8

// Logical queues.
const (
	QueueGraphics QueueKind = iota
	QueueTransfer
)

// String returns the queue name.
func (q QueueKind) String() string {
	switch q {
	case QueueGraphics:
		return "graphics"
	case QueueTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("QueueKind(%d)", uint8(q))
	}
}

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	BufferUsageMapRead BufferUsage = 1 << iota
	BufferUsageMapWrite
	BufferUsageCopySrc
	BufferUsageCopyDst
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndirect
)

// ReadOnlyBufferUsage is the set of usages a buffer may be transitioned to
// after an upload completes.
const ReadOnlyBufferUsage = BufferUsageIndex | BufferUsageVertex | BufferUsageUniform |
	BufferUsageStorage | BufferUsageIndirect

// TextureFormat specifies the format of texture data.
type TextureFormat uint32

// Texture formats.
const (
	TextureFormatRGBA8Unorm TextureFormat = iota + 1
	TextureFormatRGBA8UnormSRGB
	TextureFormatBGRA8Unorm
	TextureFormatBGRA8UnormSRGB
	TextureFormatR8Unorm
	TextureFormatR32Float
	TextureFormatRGBA16Float
	TextureFormatDepth24PlusStencil8
)

// BytesPerPixel returns the texel size for uncompressed color formats and 0
// for depth formats.
func (f TextureFormat) BytesPerPixel() uint32 {
	switch f {
	case TextureFormatR8Unorm:
		return 1
	case TextureFormatRGBA8Unorm, TextureFormatRGBA8UnormSRGB,
		TextureFormatBGRA8Unorm, TextureFormatBGRA8UnormSRGB, TextureFormatR32Float:
		return 4
	case TextureFormatRGBA16Float:
		return 8
	default:
		return 0
	}
}

// TextureUsage is a bitmask specifying how a texture will be used.
type TextureUsage uint32

// Texture usage flags.
const (
	TextureUsageCopySrc TextureUsage = 1 << iota
	TextureUsageCopyDst
	TextureUsageTextureBinding
	TextureUsageStorageBinding
	TextureUsageRenderAttachment
)

// BindingType specifies the type of a shader binding.
type BindingType uint32

// Binding types.
const (
	BindingTypeUniformBuffer BindingType = iota + 1
	BindingTypeUniformBufferDynamic
	BindingTypeStorageBuffer
	BindingTypeReadOnlyStorageBuffer
	BindingTypeSampler
	BindingTypeSampledTexture
	BindingTypeStorageTexture
)

// IndexFormat is the element type of an index buffer.
type IndexFormat uint8

// Index formats.
const (
	IndexFormatUint16 IndexFormat = iota
	IndexFormatUint32
)

// VertexFormat is the format of a single vertex attribute.
type VertexFormat uint8

// Vertex formats.
const (
	VertexFormatFloat32x2 VertexFormat = iota + 1
	VertexFormatFloat32x3
	VertexFormatFloat32x4
	VertexFormatUint32
	VertexFormatUnorm8x4
)

// PrimitiveTopology selects how vertices assemble into primitives.
type PrimitiveTopology uint8

// Topologies.
const (
	TopologyTriangleList PrimitiveTopology = iota
	TopologyTriangleStrip
	TopologyLineList
)

// CullMode selects which faces are culled.
type CullMode uint8

// Cull modes.
const (
	CullNone CullMode = iota
	CullFront
	CullBack
)

// FilterMode selects sampler filtering.
type FilterMode uint8

// Filter modes.
const (
	FilterNearest FilterMode = iota
	FilterLinear
)

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// TextureDesc describes a 2D texture, optionally layered.
type TextureDesc struct {
	Label         string
	Width, Height uint32
	Layers        uint32
	MipLevels     uint32
	SampleCount   uint32
	Format        TextureFormat
	Usage         TextureUsage
}

// TextureViewDesc describes a view into a texture. A zero MipLevelCount
// means all remaining levels.
type TextureViewDesc struct {
	Label         string
	BaseMipLevel  uint32
	MipLevelCount uint32
}

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Label  string
	Filter FilterMode
}

// ShaderModuleDesc describes a shader module compiled to SPIR-V.
type ShaderModuleDesc struct {
	Label string
	SPIRV []uint32
}

// BindGroupLayoutEntry describes a single binding in a bind group layout.
type BindGroupLayoutEntry struct {
	Binding uint32
	Type    BindingType

	// MinBindingSize is the minimum buffer size for buffer bindings.
	MinBindingSize uint64
}

// BindGroupLayoutDesc describes a bind group layout.
type BindGroupLayoutDesc struct {
	Label   string
	Entries []BindGroupLayoutEntry
}

// BindGroupEntry describes one resource written into a bind group. Exactly
// one of Buffer, TextureView or Sampler is set.
type BindGroupEntry struct {
	Binding     uint32
	Buffer      BufferID
	Offset      uint64
	Size        uint64
	TextureView TextureViewID
	Sampler     SamplerID
}

// BindGroupWrite writes every entry of one allocated bind group.
type BindGroupWrite struct {
	Group   BindGroupID
	Entries []BindGroupEntry
}

// VertexAttribute describes one attribute inside a vertex buffer.
type VertexAttribute struct {
	Format         VertexFormat
	Offset         uint64
	ShaderLocation uint32
}

// VertexBufferLayout describes one vertex stream.
type VertexBufferLayout struct {
	ArrayStride uint64
	Instanced   bool
	Attributes  []VertexAttribute
}

// RenderPipelineDesc describes a render pipeline. The backend derives the
// pipeline layout from BindGroupLayouts and owns it together with the
// pipeline.
type RenderPipelineDesc struct {
	Label            string
	BindGroupLayouts []BindGroupLayoutID
	VertexModule     ShaderModuleID
	VertexEntry      string
	FragmentModule   ShaderModuleID
	FragmentEntry    string
	VertexBuffers    []VertexBufferLayout
	TargetFormat     TextureFormat
	Topology         PrimitiveTopology
	CullMode         CullMode
	SampleCount      uint32
}

// BufferCopy is one buffer-to-buffer copy region.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferTextureCopy is one buffer-to-texture copy region.
type BufferTextureCopy struct {
	BufferOffset  uint64
	BytesPerRow   uint32
	RowsPerImage  uint32
	MipLevel      uint32
	Layer         uint32
	Width, Height uint32
}

// BufferBarrier transitions a buffer range between usages and, when the
// queues differ, transfers its ownership.
type BufferBarrier struct {
	Buffer   BufferID
	SrcQueue QueueKind
	DstQueue QueueKind
	OldUsage BufferUsage
	NewUsage BufferUsage
}

// TextureBarrier transitions a texture between usages and, when the queues
// differ, transfers its ownership.
type TextureBarrier struct {
	Texture  TextureID
	SrcQueue QueueKind
	DstQueue QueueKind
	OldUsage TextureUsage
	NewUsage TextureUsage
}

// RenderPassDesc describes a single-target render pass.
type RenderPassDesc struct {
	Label      string
	Target     TextureViewID
	Clear      bool
	ClearColor [4]float64
}

// SubmitDesc describes one queue submission.
type SubmitDesc struct {
	Queue          QueueKind
	CommandBuffers []CommandBufferID

	// Wait lists semaphores that must be signaled before execution starts.
	Wait []SemaphoreID

	// Signal lists semaphores signaled when execution completes.
	Signal []SemaphoreID

	// Fence, when valid, is advanced to FenceValue on completion.
	Fence      FenceID
	FenceValue uint64
}

package staging

import "github.com/gogpu/framecore/gpucore"

// Final usages destinations are handed to the graphics queue in.
const (
	finalBufferUsage  = gpucore.ReadOnlyBufferUsage
	finalTextureUsage = gpucore.TextureUsageTextureBinding
)

// page is one region of the staging buffer plus the synchronization
// objects of its transfer submission.
type page struct {
	index int
	base  uint64
	size  uint64
	host  []byte
	alloc bump

	fence      gpucore.FenceID
	fenceValue uint64
	chain      gpucore.SemaphoreID
	ready      gpucore.SemaphoreID

	// cmd is the last submitted command buffer, InvalidID once recycled.
	cmd gpucore.CommandBufferID

	buffers       []gpucore.BufferID
	bufferCopies  map[gpucore.BufferID][]gpucore.BufferCopy
	textures      []gpucore.TextureID
	textureCopies map[gpucore.TextureID][]gpucore.BufferTextureCopy
}

func newPage(device gpucore.Device, index int, base, size uint64) (*page, error) {
	p := &page{
		index:         index,
		base:          base,
		size:          size,
		alloc:         bump{size: size},
		bufferCopies:  make(map[gpucore.BufferID][]gpucore.BufferCopy),
		textureCopies: make(map[gpucore.TextureID][]gpucore.BufferTextureCopy),
	}
	var err error
	if p.fence, err = device.CreateFence(); err != nil {
		return nil, err
	}
	if p.chain, err = device.CreateSemaphore(); err != nil {
		p.destroy(device)
		return nil, err
	}
	if p.ready, err = device.CreateSemaphore(); err != nil {
		p.destroy(device)
		return nil, err
	}
	return p, nil
}

// hostMemory returns the page's host-side bytes, allocated on first use.
func (p *page) hostMemory() []byte {
	if p.host == nil {
		p.host = make([]byte, p.size)
	}
	return p.host
}

func (p *page) empty() bool {
	return len(p.buffers) == 0 && len(p.textures) == 0
}

func (p *page) addBufferCopy(dst gpucore.BufferID, c gpucore.BufferCopy) {
	if _, ok := p.bufferCopies[dst]; !ok {
		p.buffers = append(p.buffers, dst)
	}
	p.bufferCopies[dst] = append(p.bufferCopies[dst], c)
}

func (p *page) addTextureCopy(dst gpucore.TextureID, c gpucore.BufferTextureCopy) {
	if _, ok := p.textureCopies[dst]; !ok {
		p.textures = append(p.textures, dst)
	}
	p.textureCopies[dst] = append(p.textureCopies[dst], c)
}

// barriersBefore moves every destination into a transfer-writable state on
// the transfer queue.
func (p *page) barriersBefore() ([]gpucore.BufferBarrier, []gpucore.TextureBarrier) {
	buffers := make([]gpucore.BufferBarrier, 0, len(p.buffers))
	for _, dst := range p.buffers {
		buffers = append(buffers, gpucore.BufferBarrier{
			Buffer:   dst,
			SrcQueue: gpucore.QueueTransfer,
			DstQueue: gpucore.QueueTransfer,
			OldUsage: finalBufferUsage,
			NewUsage: gpucore.BufferUsageCopyDst,
		})
	}
	textures := make([]gpucore.TextureBarrier, 0, len(p.textures))
	for _, dst := range p.textures {
		textures = append(textures, gpucore.TextureBarrier{
			Texture:  dst,
			SrcQueue: gpucore.QueueTransfer,
			DstQueue: gpucore.QueueTransfer,
			NewUsage: gpucore.TextureUsageCopyDst,
		})
	}
	return buffers, textures
}

// barriersAfter releases every destination from the transfer queue to the
// graphics queue in its final read-only usage.
func (p *page) barriersAfter() ([]gpucore.BufferBarrier, []gpucore.TextureBarrier) {
	buffers := make([]gpucore.BufferBarrier, 0, len(p.buffers))
	for _, dst := range p.buffers {
		buffers = append(buffers, gpucore.BufferBarrier{
			Buffer:   dst,
			SrcQueue: gpucore.QueueTransfer,
			DstQueue: gpucore.QueueGraphics,
			OldUsage: gpucore.BufferUsageCopyDst,
			NewUsage: finalBufferUsage,
		})
	}
	textures := make([]gpucore.TextureBarrier, 0, len(p.textures))
	for _, dst := range p.textures {
		textures = append(textures, gpucore.TextureBarrier{
			Texture:  dst,
			SrcQueue: gpucore.QueueTransfer,
			DstQueue: gpucore.QueueGraphics,
			OldUsage: gpucore.TextureUsageCopyDst,
			NewUsage: finalTextureUsage,
		})
	}
	return buffers, textures
}

func (p *page) clearPending() {
	p.buffers = p.buffers[:0]
	p.textures = p.textures[:0]
	clear(p.bufferCopies)
	clear(p.textureCopies)
}

func (p *page) destroy(device gpucore.Device) {
	if p.cmd != gpucore.InvalidID {
		device.FreeCommandBuffer(p.cmd)
		p.cmd = gpucore.InvalidID
	}
	if p.fence != gpucore.InvalidID {
		device.DestroyFence(p.fence)
	}
	if p.chain != gpucore.InvalidID {
		device.DestroySemaphore(p.chain)
	}
	if p.ready != gpucore.InvalidID {
		device.DestroySemaphore(p.ready)
	}
	*p = page{}
}

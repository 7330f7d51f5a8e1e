// Package pipeline compiles and owns render pipelines.
//
// Compile fans distinct pipeline descriptions out over a worker pool (WGSL
// to SPIR-V with naga, then shader module and pipeline creation) and joins
// before returning, so every returned handle is usable by the next draw.
// Identical descriptions share one pipeline.
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gogpu/framecore/cache"
	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/droplist"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/handle"
	"github.com/gogpu/framecore/internal/logging"
	"github.com/gogpu/framecore/internal/parallel"
)

// ErrInvalidHandle is returned for handles the registry does not know.
var ErrInvalidHandle = errors.New("pipeline: invalid handle")

// Handle identifies a registered pipeline.
type Handle = handle.Handle[gpucore.RenderPipelineID]

// Desc describes a render pipeline. An empty FragmentWGSL uses the vertex
// source for both stages.
type Desc struct {
	Label         string
	VertexWGSL    string
	FragmentWGSL  string
	VertexEntry   string
	FragmentEntry string

	// Layouts are the client binding-set layouts. Group 0 is the pass set
	// and comes first.
	Layouts []descriptor.LayoutID

	VertexBuffers []gpucore.VertexBufferLayout
	Format        gpucore.TextureFormat
	Topology      gpucore.PrimitiveTopology
	CullMode      gpucore.CullMode
	SampleCount   uint32
}

// Key hashes every field that affects the compiled pipeline.
func (d *Desc) Key() uint64 {
	h := fnv.New64a()
	var b [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(b[:], v)
		h.Write(b[:])
	}
	putStr := func(s string) {
		putU64(uint64(len(s)))
		h.Write([]byte(s))
	}
	putStr(d.VertexWGSL)
	putStr(d.FragmentWGSL)
	putStr(d.VertexEntry)
	putStr(d.FragmentEntry)
	putU64(d.LayoutKey())
	putU64(uint64(len(d.VertexBuffers)))
	for _, vb := range d.VertexBuffers {
		putU64(vb.ArrayStride)
		if vb.Instanced {
			putU64(1)
		} else {
			putU64(0)
		}
		putU64(uint64(len(vb.Attributes)))
		for _, a := range vb.Attributes {
			putU64(uint64(a.Format))
			putU64(a.Offset)
			putU64(uint64(a.ShaderLocation))
		}
	}
	putU64(uint64(d.Format))
	putU64(uint64(d.Topology))
	putU64(uint64(d.CullMode))
	putU64(uint64(max(d.SampleCount, 1)))
	return h.Sum64()
}

// LayoutKey hashes the binding layouts only. Pipelines with equal layout
// keys can share bound binding sets.
func (d *Desc) LayoutKey() uint64 {
	h := fnv.New64a()
	var b [4]byte
	for _, l := range d.Layouts {
		binary.LittleEndian.PutUint32(b[:], l.Raw())
		h.Write(b[:])
	}
	return h.Sum64()
}

// LayoutResolver maps descriptor layouts to GPU layout objects.
// *descriptor.Cache implements it.
type LayoutResolver interface {
	LayoutObject(id descriptor.LayoutID) (gpucore.BindGroupLayoutID, bool)
}

type record struct {
	label     string
	key       uint64
	layoutKey uint64
	vertex    gpucore.ShaderModuleID
	fragment  gpucore.ShaderModuleID
}

// Registry owns compiled pipelines.
type Registry struct {
	mu        sync.RWMutex
	device    gpucore.Device
	layouts   LayoutResolver
	workers   *parallel.WorkerPool
	pipelines *handle.HotColdPool[gpucore.RenderPipelineID, *record]
	byKey     map[uint64]Handle

	// spirv holds compiled shader code by WGSL source. Modules are still
	// created per pipeline; only the naga compilation is shared.
	spirv *cache.Sharded[string, []uint32]
}

// NewRegistry creates a registry compiling on the given number of workers.
// Zero workers means GOMAXPROCS.
func NewRegistry(device gpucore.Device, layouts LayoutResolver, workers int) *Registry {
	return &Registry{
		device:    device,
		layouts:   layouts,
		workers:   parallel.NewWorkerPool(workers),
		pipelines: handle.NewHotColdPool[gpucore.RenderPipelineID, *record](0),
		byKey:     make(map[uint64]Handle),
		spirv:     cache.NewSharded[string, []uint32](0, cache.StringHasher),
	}
}

type compiled struct {
	id  gpucore.RenderPipelineID
	rec *record
}

// Compile returns one handle per description, compiling the ones not seen
// before in parallel. A description that fails yields an invalid handle and
// contributes to the returned error; the others still succeed.
func (r *Registry) Compile(descs []Desc) ([]Handle, error) {
	start := time.Now()
	out := make([]Handle, len(descs))

	r.mu.RLock()
	var (
		todo   []int
		queued = make(map[uint64]int)
		keys   = make([]uint64, len(descs))
	)
	for i := range descs {
		keys[i] = descs[i].Key()
		if h, ok := r.byKey[keys[i]]; ok {
			out[i] = h
			continue
		}
		if _, ok := queued[keys[i]]; !ok {
			queued[keys[i]] = len(todo)
			todo = append(todo, i)
		}
	}
	r.mu.RUnlock()

	results := make([]compiled, len(todo))
	jobs := make([]func() error, len(todo))
	for j, i := range todo {
		jobs[j] = func() error {
			id, rec, err := r.build(&descs[i], keys[i])
			if err != nil {
				return fmt.Errorf("pipeline %q: %w", descs[i].Label, err)
			}
			results[j] = compiled{id: id, rec: rec}
			return nil
		}
	}
	err := r.workers.Run(jobs)

	r.mu.Lock()
	fresh := make([]Handle, len(todo))
	for j, res := range results {
		if res.rec == nil {
			continue
		}
		if h, ok := r.byKey[res.rec.key]; ok {
			// A concurrent Compile registered the same description first.
			r.destroyRecord(res.id, res.rec)
			fresh[j] = h
			continue
		}
		fresh[j] = r.pipelines.Push(res.id, res.rec)
		r.byKey[res.rec.key] = fresh[j]
	}
	r.mu.Unlock()

	for i := range descs {
		if j, ok := queued[keys[i]]; ok {
			out[i] = fresh[j]
		}
	}

	logging.Logger().Debug("pipeline: compiled",
		"requested", len(descs),
		"built", len(todo),
		"elapsed", time.Since(start))
	return out, err
}

func (r *Registry) build(d *Desc, key uint64) (gpucore.RenderPipelineID, *record, error) {
	layouts := make([]gpucore.BindGroupLayoutID, len(d.Layouts))
	for i, l := range d.Layouts {
		obj, ok := r.layouts.LayoutObject(l)
		if !ok {
			return gpucore.InvalidID, nil, fmt.Errorf("layout %d: %w", i, descriptor.ErrInvalidLayout)
		}
		layouts[i] = obj
	}

	rec := &record{label: d.Label, key: key, layoutKey: d.LayoutKey()}
	vs, err := r.module(d.Label+" vs", d.VertexWGSL)
	if err != nil {
		return gpucore.InvalidID, nil, err
	}
	rec.vertex, rec.fragment = vs, vs
	if d.FragmentWGSL != "" && d.FragmentWGSL != d.VertexWGSL {
		fs, err := r.module(d.Label+" fs", d.FragmentWGSL)
		if err != nil {
			r.device.DestroyShaderModule(vs)
			return gpucore.InvalidID, nil, err
		}
		rec.fragment = fs
	}

	id, err := r.device.CreateRenderPipeline(&gpucore.RenderPipelineDesc{
		Label:            d.Label,
		BindGroupLayouts: layouts,
		VertexModule:     rec.vertex,
		VertexEntry:      d.VertexEntry,
		FragmentModule:   rec.fragment,
		FragmentEntry:    d.FragmentEntry,
		VertexBuffers:    d.VertexBuffers,
		TargetFormat:     d.Format,
		Topology:         d.Topology,
		CullMode:         d.CullMode,
		SampleCount:      max(d.SampleCount, 1),
	})
	if err != nil {
		r.destroyModules(rec)
		return gpucore.InvalidID, nil, fmt.Errorf("create pipeline: %w", err)
	}
	return id, rec, nil
}

func (r *Registry) module(label, source string) (gpucore.ShaderModuleID, error) {
	spirv, err := r.spirv.GetOrCreate(source, func() ([]uint32, error) {
		return CompileWGSL(source)
	})
	if err != nil {
		return gpucore.InvalidID, err
	}
	id, err := r.device.CreateShaderModule(&gpucore.ShaderModuleDesc{Label: label, SPIRV: spirv})
	if err != nil {
		return gpucore.InvalidID, fmt.Errorf("create shader module %q: %w", label, err)
	}
	return id, nil
}

func (r *Registry) destroyModules(rec *record) {
	if rec.fragment != rec.vertex && rec.fragment != gpucore.InvalidID {
		r.device.DestroyShaderModule(rec.fragment)
	}
	if rec.vertex != gpucore.InvalidID {
		r.device.DestroyShaderModule(rec.vertex)
	}
}

func (r *Registry) destroyRecord(id gpucore.RenderPipelineID, rec *record) {
	r.device.DestroyRenderPipeline(id)
	r.destroyModules(rec)
}

// Resolve returns the pipeline object and its layout key.
func (r *Registry) Resolve(h Handle) (gpucore.RenderPipelineID, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, rec, ok := r.pipelines.Get(h)
	if !ok {
		return gpucore.InvalidID, 0, false
	}
	return *id, (*rec).layoutKey, true
}

// Remove retires a pipeline and its shader modules to drop.
func (r *Registry) Remove(h Handle, drop *droplist.List) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, rec, ok := r.pipelines.Remove(h)
	if !ok {
		return ErrInvalidHandle
	}
	delete(r.byKey, rec.key)
	drop.PushRenderPipeline(id)
	drop.PushShaderModule(rec.vertex)
	if rec.fragment != rec.vertex {
		drop.PushShaderModule(rec.fragment)
	}
	return nil
}

// Len returns the number of registered pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pipelines.Len()
}

// ShaderCacheStats reports reuse of compiled shader code.
func (r *Registry) ShaderCacheStats() cache.Stats {
	return r.spirv.Stats()
}

// Close stops the workers and destroys every pipeline. The GPU must be idle.
func (r *Registry) Close() {
	r.workers.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pipelines.Drain() {
		r.destroyRecord(p.Hot, p.Cold)
	}
	clear(r.byKey)
	r.spirv.Clear()
}

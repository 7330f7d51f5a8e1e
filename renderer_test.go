package framecore

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/drawstream"
	"github.com/gogpu/framecore/geometry"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/internal/gputest"
	"github.com/gogpu/framecore/pipeline"
	"github.com/gogpu/framecore/staging"
)

const triangleShader = `
@vertex
fn vs_main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(1.0, 0.5, 0.0, 1.0);
}
`

func newTestRenderer(t *testing.T) (*Renderer, *gputest.Device) {
	t.Helper()
	dev := gputest.New()
	r, err := New(dev,
		WithStagingPages(2),
		WithStagingPageSize(4096),
		WithUniformArenaSize(1024),
		WithGeometrySize(1<<20),
		WithWorkers(1),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, dev
}

// newTarget creates a render target and returns its view.
func newTarget(t *testing.T, r *Renderer) gpucore.TextureViewID {
	t.Helper()
	h, err := r.CreateTexture(gpucore.TextureDesc{
		Label:  "target",
		Width:  16,
		Height: 16,
		Format: gpucore.TextureFormatBGRA8Unorm,
		Usage:  gpucore.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	view, ok := r.TextureView(h)
	if !ok {
		t.Fatal("TextureView() of a new texture failed")
	}
	return view
}

func TestDestroyDeferredUntilFrameCompletes(t *testing.T) {
	r, dev := newTestRenderer(t)
	target := newTarget(t, r)

	if err := r.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame() error = %v", err)
	}
	buf, err := r.CreateBuffer(gpucore.BufferDesc{Label: "vb", Size: 64, Usage: gpucore.BufferUsageVertex})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(target); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := r.DestroyBuffer(buf); err != nil {
		t.Fatalf("DestroyBuffer() error = %v", err)
	}
	r.EndFrame()

	if got := dev.Destroyed["buffer"]; got != 0 {
		t.Fatalf("buffer destroyed before its frame completed: %d", got)
	}
	if _, ok := r.ResolveBuffer(buf); ok {
		t.Error("destroyed handle still resolves")
	}

	// Frame 1 uses the other slot; nothing of frame 0 may be released.
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if got := dev.Destroyed["buffer"]; got != 0 {
		t.Errorf("buffer destroyed one frame early: %d", got)
	}
	r.EndFrame()

	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if got := dev.Destroyed["buffer"]; got != 1 {
		t.Errorf("Destroyed[buffer] = %d, want 1", got)
	}
	if got := dev.Destroyed["commandbuffer"]; got != 1 {
		t.Errorf("Destroyed[commandbuffer] = %d, want 1", got)
	}
	r.EndFrame()
}

func TestDestroyOutsideFrameWaitsForLastSubmission(t *testing.T) {
	r, dev := newTestRenderer(t)
	target := newTarget(t, r)
	buf, _ := r.CreateBuffer(gpucore.BufferDesc{Size: 16, Usage: gpucore.BufferUsageUniform})

	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(target); err != nil {
		t.Fatal(err)
	}
	r.EndFrame()

	// Between frames the destroy belongs to the frame just ended.
	if err := r.DestroyBuffer(buf); err != nil {
		t.Fatal(err)
	}
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if got := dev.Destroyed["buffer"]; got != 0 {
		t.Errorf("buffer released while its frame may still run: %d", got)
	}
	r.EndFrame()
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if got := dev.Destroyed["buffer"]; got != 1 {
		t.Errorf("Destroyed[buffer] = %d, want 1", got)
	}
	r.EndFrame()
}

func TestFenceTimeoutLosesDevice(t *testing.T) {
	r, dev := newTestRenderer(t)
	dev.HoldFences = true
	target := newTarget(t, r)

	for range FramesInFlight {
		if err := r.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		if err := r.Submit(target); err != nil {
			t.Fatal(err)
		}
		r.EndFrame()
	}

	if err := r.BeginFrame(); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("BeginFrame() error = %v, want ErrDeviceLost", err)
	}
	if err := r.BeginFrame(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("BeginFrame() after loss error = %v, want ErrDeviceLost", err)
	}
	if _, err := r.CreateBuffer(gpucore.BufferDesc{Size: 4}); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("CreateBuffer() after loss error = %v, want ErrDeviceLost", err)
	}
}

func TestStagingTimeoutLosesDevice(t *testing.T) {
	dev := gputest.New()
	r, err := New(dev,
		WithStagingPages(2),
		WithStagingPageSize(256),
		WithFenceTimeout(time.Millisecond),
		WithWorkers(1),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })

	buf, err := r.CreateBuffer(gpucore.BufferDesc{
		Label: "mesh",
		Size:  1024,
		Usage: gpucore.BufferUsageVertex | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	dev.HoldFences = true

	// Three pages of data wrap a two-page ring onto a page still in flight.
	err = r.Upload(buf, 0, make([]byte, 3*256))
	if !errors.Is(err, ErrDeviceLost) || !errors.Is(err, staging.ErrFenceTimeout) {
		t.Fatalf("Upload() error = %v, want ErrDeviceLost wrapping ErrFenceTimeout", err)
	}
	if err := r.BeginFrame(); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("BeginFrame() after staging timeout error = %v, want ErrDeviceLost", err)
	}
	if err := r.Upload(buf, 0, []byte{1, 2, 3, 4}); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("Upload() after loss error = %v, want ErrDeviceLost", err)
	}
}

// triangle compiles a pipeline and creates vertex and index buffers.
func triangle(t *testing.T, r *Renderer) (pipeline.Handle, BufferHandle, BufferHandle) {
	t.Helper()
	handles, err := r.Pipelines().Compile([]pipeline.Desc{{
		Label:         "triangle",
		VertexWGSL:    triangleShader,
		VertexEntry:   "vs_main",
		FragmentEntry: "fs_main",
		VertexBuffers: []gpucore.VertexBufferLayout{{
			ArrayStride: 8,
			Attributes:  []gpucore.VertexAttribute{{Format: gpucore.VertexFormatFloat32x2}},
		}},
		Format: gpucore.TextureFormatBGRA8Unorm,
	}})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	vb, err := r.CreateBuffer(gpucore.BufferDesc{Label: "vertices", Size: 24, Usage: gpucore.BufferUsageVertex | gpucore.BufferUsageCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	ib, err := r.CreateBuffer(gpucore.BufferDesc{Label: "indices", Size: 8, Usage: gpucore.BufferUsageIndex | gpucore.BufferUsageCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	return handles[0], vb, ib
}

func TestSubmitReplaysStreamAfterUploads(t *testing.T) {
	r, dev := newTestRenderer(t)
	target := newTarget(t, r)
	pl, vb, ib := triangle(t, r)

	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	vertices := bytes.Repeat([]byte{0x3f}, 24)
	if err := r.Upload(vb, 0, vertices); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if err := r.Upload(ib, 0, []byte{0, 0, 1, 0, 2, 0, 0, 0}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	s := drawstream.New(descriptor.Handle{})
	s.BindPipeline(pl)
	s.BindVertexBuffer(0, drawstream.BufferSlice{Buffer: vb})
	s.BindIndexBuffer(drawstream.BufferSlice{Buffer: ib})
	s.Draw(drawstream.Draw{IndexCount: 3, InstanceCount: 1})

	if err := r.Submit(target, s); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	submits := dev.Submits()
	if len(submits) != 2 {
		t.Fatalf("got %d submissions, want transfer and graphics", len(submits))
	}
	gfx := submits[1]
	if gfx.Queue != gpucore.QueueGraphics || submits[0].Queue != gpucore.QueueTransfer {
		t.Errorf("queues = %v, %v; want transfer then graphics", submits[0].Queue, gfx.Queue)
	}
	if len(gfx.Wait) != 1 {
		t.Errorf("graphics submission waits on %d semaphores, want 1", len(gfx.Wait))
	}
	if gfx.FenceValue != 1 {
		t.Errorf("FenceValue = %d, want 1", gfx.FenceValue)
	}

	vbID, _ := r.ResolveBuffer(vb)
	if got := dev.BufferData(vbID); !bytes.Equal(got, vertices) {
		t.Errorf("vertex buffer = %v, want %v", got, vertices)
	}

	var draws int
	for _, c := range dev.Commands(gfx.CommandBuffers[0]) {
		if c.Op == "DrawIndexed" {
			draws++
		}
	}
	if draws != 1 {
		t.Errorf("recorded %d draws, want 1", draws)
	}
	r.EndFrame()
}

func TestGeometryRangesDrawnAndRecycled(t *testing.T) {
	r, dev := newTestRenderer(t)
	target := newTarget(t, r)
	pl, _, _ := triangle(t, r)

	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	vertices := bytes.Repeat([]byte{0x3f}, 24)
	vr, err := r.AllocateGeometry(vertices)
	if err != nil {
		t.Fatalf("AllocateGeometry(vertices) error = %v", err)
	}
	ir, err := r.AllocateGeometry([]byte{0, 0, 1, 0, 2, 0})
	if err != nil {
		t.Fatalf("AllocateGeometry(indices) error = %v", err)
	}

	geo := r.GeometryBuffer()
	s := drawstream.New(descriptor.Handle{})
	s.BindPipeline(pl)
	s.BindVertexBuffer(0, drawstream.BufferSlice{Buffer: geo, Offset: uint32(vr.Offset)})
	s.BindIndexBuffer(drawstream.BufferSlice{Buffer: geo, Offset: uint32(ir.Offset)})
	s.Draw(drawstream.Draw{IndexCount: 3, InstanceCount: 1})
	if err := r.Submit(target, s); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	data := dev.BufferData(r.Geometry().Buffer())
	if got := data[vr.Offset:vr.End()]; !bytes.Equal(got, vertices) {
		t.Errorf("vertex range = %v, want %v", got, vertices)
	}
	gfx := dev.Submits()[len(dev.Submits())-1]
	var bound bool
	for _, c := range dev.Commands(gfx.CommandBuffers[0]) {
		if c.Op == "SetIndexBuffer" {
			bound = c.Args[0] == r.Geometry().Buffer() && c.Args[2] == ir.Offset
		}
	}
	if !bound {
		t.Errorf("index buffer not bound at geometry offset %d", ir.Offset)
	}

	if err := r.FreeGeometry(vr); err != nil {
		t.Fatalf("FreeGeometry() error = %v", err)
	}
	if err := r.FreeGeometry(vr); !errors.Is(err, geometry.ErrInvalidRange) {
		t.Errorf("second FreeGeometry() error = %v, want ErrInvalidRange", err)
	}
	if err := r.DestroyBuffer(geo); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("DestroyBuffer(geometry) error = %v, want ErrInvalidHandle", err)
	}
	r.EndFrame()

	// The freed range is held for FramesInFlight frames.
	for i := range FramesInFlight {
		if got := r.Stats().Geometry.Retiring; got != 1 {
			t.Errorf("frame %d: Retiring = %d, want 1", i, got)
		}
		if err := r.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		r.EndFrame()
	}
	if st := r.Stats().Geometry; st.Retiring != 0 || st.Ranges != 1 {
		t.Errorf("geometry stats = %+v, want 0 retiring and 1 live range", st)
	}
}

func TestSubmitSkipsUnresolvedDraws(t *testing.T) {
	r, dev := newTestRenderer(t)
	target := newTarget(t, r)
	pl, vb, ib := triangle(t, r)

	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	s := drawstream.New(descriptor.Handle{})
	s.BindPipeline(pl)
	s.BindVertexBuffer(0, drawstream.BufferSlice{Buffer: vb})
	s.BindIndexBuffer(drawstream.BufferSlice{Buffer: ib})
	s.Draw(drawstream.Draw{IndexCount: 3, InstanceCount: 1})
	if err := r.DestroyBuffer(vb); err != nil {
		t.Fatal(err)
	}

	err := r.Submit(target, s)
	if !errors.Is(err, drawstream.ErrInvalidHandle) {
		t.Fatalf("Submit() error = %v, want drawstream.ErrInvalidHandle", err)
	}
	if len(dev.Submits()) != 1 {
		t.Errorf("frame with skipped draws was not submitted")
	}
	if got := r.Stats().StreamErrors; got != 1 {
		t.Errorf("StreamErrors = %d, want 1", got)
	}
	r.EndFrame()
}

func TestFrameMisusePanics(t *testing.T) {
	r, _ := newTestRenderer(t)

	assertPanics(t, "Submit outside a frame", func() { _ = r.Submit(gpucore.InvalidID) })
	assertPanics(t, "EndFrame outside a frame", r.EndFrame)

	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	assertPanics(t, "nested BeginFrame", func() { _ = r.BeginFrame() })
	r.EndFrame()
}

func assertPanics(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestUnknownHandles(t *testing.T) {
	r, _ := newTestRenderer(t)

	buf, _ := r.CreateBuffer(gpucore.BufferDesc{Size: 16, Usage: gpucore.BufferUsageVertex})
	if err := r.DestroyBuffer(buf); err != nil {
		t.Fatal(err)
	}
	if err := r.DestroyBuffer(buf); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("second DestroyBuffer() error = %v, want ErrInvalidHandle", err)
	}
	if err := r.Upload(buf, 0, make([]byte, 4)); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("Upload() to a destroyed buffer error = %v, want ErrInvalidHandle", err)
	}
	if err := r.DestroyTexture(TextureHandle{}); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("DestroyTexture() of the zero handle error = %v, want ErrInvalidHandle", err)
	}
}

func TestUploadGoImageStagesMipChain(t *testing.T) {
	r, dev := newTestRenderer(t)
	h, err := r.CreateTexture(gpucore.TextureDesc{
		Label:     "checker",
		Width:     8,
		Height:    8,
		MipLevels: 4,
		Format:    gpucore.TextureFormatRGBA8Unorm,
		Usage:     gpucore.TextureUsageTextureBinding | gpucore.TextureUsageCopyDst,
	})
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			}
		}
	}
	if err := r.UploadGoImage(h, 0, img); err != nil {
		t.Fatalf("UploadGoImage() error = %v", err)
	}

	target := newTarget(t, r)
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(target); err != nil {
		t.Fatal(err)
	}
	r.EndFrame()

	var copies int
	for _, c := range dev.Commands(dev.Submits()[0].CommandBuffers[0]) {
		if c.Op == "CopyBufferToTexture" {
			copies += len(c.Args[2].([]gpucore.BufferTextureCopy))
		}
	}
	if copies != 4 {
		t.Errorf("staged %d mip levels, want 4", copies)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	dev := gputest.New()
	r, err := New(dev, WithStagingPageSize(4096))
	if err != nil {
		t.Fatal(err)
	}
	target := newTarget(t, r)
	if _, err := r.CreateBuffer(gpucore.BufferDesc{Size: 32, Usage: gpucore.BufferUsageVertex}); err != nil {
		t.Fatal(err)
	}
	if err := r.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := r.Submit(target); err != nil {
		t.Fatal(err)
	}
	r.EndFrame()

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := dev.LiveBuffers(); n != 0 {
		t.Errorf("LiveBuffers() = %d after Close, want 0", n)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := r.BeginFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginFrame() after Close error = %v, want ErrClosed", err)
	}
}

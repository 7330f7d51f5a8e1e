// Command framedemo renders a few frames of a spinning triangle on the
// selected backend and prints renderer statistics.
package main

import (
	"encoding/binary"
	"flag"
	"log"
	"log/slog"
	"math"
	"os"

	"github.com/gogpu/framecore"
	"github.com/gogpu/framecore/backend"
	_ "github.com/gogpu/framecore/backend/native"
	"github.com/gogpu/framecore/descriptor"
	"github.com/gogpu/framecore/drawstream"
	"github.com/gogpu/framecore/gpucore"
	"github.com/gogpu/framecore/pipeline"
)

const shader = `
@vertex
fn vs_main(@location(0) pos: vec2<f32>) -> @builtin(position) vec4<f32> {
    return vec4<f32>(pos, 0.0, 1.0);
}

@fragment
fn fs_main() -> @location(0) vec4<f32> {
    return vec4<f32>(0.9, 0.4, 0.1, 1.0);
}
`

func main() {
	var (
		frames  = flag.Int("frames", 60, "number of frames to render")
		name    = flag.String("backend", "", "backend name (empty picks the best available)")
		size    = flag.Int("size", 256, "render target size")
		verbose = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dev, err := openDevice(*name)
	if err != nil {
		log.Fatalf("Failed to open device: %v", err)
	}
	defer dev.Close()

	r, err := framecore.New(dev, framecore.WithLogger(logger), framecore.WithClearColor(0.1, 0.1, 0.15, 1))
	if err != nil {
		log.Fatalf("Failed to create renderer: %v", err)
	}
	defer r.Close()

	if err := run(r, *frames, uint32(*size)); err != nil {
		log.Fatalf("Render failed: %v", err)
	}

	s := r.Stats()
	log.Printf("Rendered %d frames: %d submits, %d bytes staged, %d staging flushes, %d geometry bytes reserved\n",
		s.Frames, s.Submits, s.Staging.BytesStaged, s.Staging.Flushes, s.Geometry.Reserved)
}

func openDevice(name string) (backend.Device, error) {
	if name == "" {
		return backend.Default()
	}
	return backend.Open(name)
}

func run(r *framecore.Renderer, frames int, size uint32) error {
	target, err := r.CreateTexture(gpucore.TextureDesc{
		Label:  "framedemo target",
		Width:  size,
		Height: size,
		Format: gpucore.TextureFormatBGRA8Unorm,
		Usage:  gpucore.TextureUsageRenderAttachment,
	})
	if err != nil {
		return err
	}
	view, _ := r.TextureView(target)

	handles, err := r.Pipelines().Compile([]pipeline.Desc{{
		Label:         "triangle",
		VertexWGSL:    shader,
		VertexEntry:   "vs_main",
		FragmentEntry: "fs_main",
		VertexBuffers: []gpucore.VertexBufferLayout{{
			ArrayStride: 8,
			Attributes:  []gpucore.VertexAttribute{{Format: gpucore.VertexFormatFloat32x2}},
		}},
		Format: gpucore.TextureFormatBGRA8Unorm,
	}})
	if err != nil {
		return err
	}

	vertices, err := r.CreateBuffer(gpucore.BufferDesc{
		Label: "triangle vertices",
		Size:  24,
		Usage: gpucore.BufferUsageVertex | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	indices, err := r.AllocateGeometry([]byte{0, 0, 1, 0, 2, 0})
	if err != nil {
		return err
	}
	defer func() { _ = r.FreeGeometry(indices) }()

	s := drawstream.New(descriptor.Handle{})
	s.BindPipeline(handles[0])
	s.BindVertexBuffer(0, drawstream.BufferSlice{Buffer: vertices})
	s.BindIndexBuffer(drawstream.BufferSlice{Buffer: r.GeometryBuffer(), Offset: uint32(indices.Offset)})
	s.Draw(drawstream.Draw{IndexCount: 3, InstanceCount: 1})

	for i := range frames {
		if err := r.BeginFrame(); err != nil {
			return err
		}
		angle := 2 * math.Pi * float64(i) / float64(max(frames, 1))
		if err := r.Upload(vertices, 0, triangle(angle)); err != nil {
			r.EndFrame()
			return err
		}
		err := r.Submit(view, s)
		r.EndFrame()
		if err != nil {
			return err
		}
	}
	return nil
}

// triangle returns three float32x2 vertices rotated by angle.
func triangle(angle float64) []byte {
	out := make([]byte, 0, 24)
	for k := range 3 {
		a := angle + float64(k)*2*math.Pi/3
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(0.7*math.Cos(a))))
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(0.7*math.Sin(a))))
	}
	return out
}

// Package jpegenc turns the FrameHub's latest decoded YUV frame into the
// cached JPEG snapshot/MJPEG frame. It replaces a cgo turbojpeg-backed
// compressor pool with the standard library's image/jpeg encoder, but
// keeps the same shape: a small pool of compression goroutines pulling
// tasks off a channel, rate-limited rather than running flat out,
// publishing into a single shared slot.
package jpegenc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/warpcomdev/camproxy/internal/frame"
)

// Encoder periodically samples the hub's latest YUV frame, encodes it to
// JPEG and republishes it. The sampling rate can be changed at runtime
// (worker switches between MaxFps and IdleFps per spec.md §4.5 step 5).
type Encoder struct {
	hub     *frame.Hub
	quality int

	mu   sync.Mutex
	rate time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an Encoder. quality is a JPEG quality 1-100 (spec.md §3
// PrinterConfig.JpegQuality); initialRate is the encode period (1/fps).
func New(hub *frame.Hub, quality int, initialRate time.Duration) *Encoder {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	if initialRate <= 0 {
		initialRate = time.Second
	}
	return &Encoder{hub: hub, quality: quality, rate: initialRate}
}

// SetRate changes the sampling period; it takes effect on the next tick.
func (e *Encoder) SetRate(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	e.rate = d
	e.mu.Unlock()
}

func (e *Encoder) currentRate() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// Start launches the sampling loop with poolSize concurrent encode
// workers (mirrors a Pool.Stream(poolSize) compressor group; in
// practice 1-2 is plenty for a single camera's worth of JPEGs).
func (e *Encoder) Start(ctx context.Context, poolSize int) {
	if poolSize < 1 {
		poolSize = 1
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	type task struct {
		f frame.Frame
	}
	tasks := make(chan task, poolSize)

	for i := 0; i < poolSize; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for t := range tasks {
				e.encodeAndPublish(t.f)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(tasks)
		var lastSeq uint64
		timer := time.NewTimer(e.currentRate())
		defer timer.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-timer.C:
				timer.Reset(e.currentRate())
				f, ok := e.hub.LatestFrame()
				if !ok || f.Sequence == lastSeq {
					continue
				}
				select {
				case tasks <- task{f: f}:
					lastSeq = f.Sequence
				default:
					// Pool is still busy with the previous frame; skip
					// this tick rather than building up backlog.
				}
			}
		}
	}()
}

// Stop cancels the sampling loop and waits for in-flight encodes.
func (e *Encoder) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Encoder) encodeAndPublish(f frame.Frame) {
	img, err := toYCbCr(f)
	if err != nil {
		return
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return
	}
	e.hub.PublishJpeg(frame.JpegFrame{
		Data:     buf.Bytes(),
		Width:    f.Width,
		Height:   f.Height,
		Sequence: f.Sequence,
		At:       time.Now(),
	})
}

// toYCbCr interprets Frame.Data as planar 4:2:0 YUV (the format FFmpeg's
// rawvideo muxer emits for yuv420p), matching the PrinterWorker decoder.
func toYCbCr(f frame.Frame) (*image.YCbCr, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", f.Width, f.Height)
	}
	yStride := f.Stride
	if yStride <= 0 {
		yStride = f.Width
	}
	cStride := (yStride + 1) / 2
	ySize := yStride * f.Height
	cSize := cStride * ((f.Height + 1) / 2)
	if len(f.Data) < ySize+2*cSize {
		return nil, fmt.Errorf("frame data too short: got %d want at least %d", len(f.Data), ySize+2*cSize)
	}
	return &image.YCbCr{
		Y:              f.Data[0:ySize],
		Cb:             f.Data[ySize : ySize+cSize],
		Cr:             f.Data[ySize+cSize : ySize+2*cSize],
		YStride:        yStride,
		CStride:        cStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}, nil
}

package jpegenc

import (
	"bytes"
	"context"
	"image/jpeg"
	"testing"
	"time"

	"github.com/warpcomdev/camproxy/internal/frame"
)

func solidFrame(w, h int) frame.Frame {
	ySize := w * h
	cSize := ((w + 1) / 2) * ((h + 1) / 2)
	data := make([]byte, ySize+2*cSize)
	for i := 0; i < ySize; i++ {
		data[i] = 128
	}
	for i := ySize; i < len(data); i++ {
		data[i] = 128
	}
	return frame.Frame{Data: data, Width: w, Height: h, Stride: w}
}

func TestEncoderPublishesDecodableJpeg(t *testing.T) {
	hub := frame.NewHub()
	hub.PublishFrame(solidFrame(16, 16))

	enc := New(hub, 80, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	enc.Start(ctx, 1)
	defer enc.Stop()

	deadline := time.After(time.Second)
	for {
		if j, ok := hub.LatestJpeg(); ok {
			img, err := jpeg.Decode(bytes.NewReader(j.Data))
			if err != nil {
				t.Fatalf("decoding published jpeg: %v", err)
			}
			b := img.Bounds()
			if b.Dx() != 16 || b.Dy() != 16 {
				t.Fatalf("unexpected decoded size: %v", b)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for jpeg to be published")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEncoderSkipsUnchangedFrame(t *testing.T) {
	hub := frame.NewHub()
	f := solidFrame(8, 8)
	f.Sequence = 1
	hub.PublishFrame(f)

	enc := New(hub, 80, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	enc.Start(ctx, 1)
	defer enc.Stop()

	var first frame.JpegFrame
	for {
		if j, ok := hub.LatestJpeg(); ok {
			first = j
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("expected at least one encode of the initial frame")
		case <-time.After(time.Millisecond):
		}
	}

	// Let the remaining ticks pass with the frame unchanged.
	<-ctx.Done()
	enc.Stop()

	j, ok := hub.LatestJpeg()
	if !ok {
		t.Fatal("expected at least one encode of the initial frame")
	}
	if j.Sequence != 1 {
		t.Fatalf("unexpected sequence: %d", j.Sequence)
	}
	if !j.At.Equal(first.At) {
		t.Fatal("expected the unchanged frame not to be encoded again")
	}
}

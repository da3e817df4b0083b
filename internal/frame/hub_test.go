package frame

import (
	"context"
	"testing"
	"time"
)

func TestSubscriptionDiscardsUntilFirstKeyframe(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(4)
	defer sub.Close()

	h.PublishH264(H264Packet{Data: []byte("inter-1"), IsKeyframe: false})
	h.PublishH264(H264Packet{Data: []byte("inter-2"), IsKeyframe: false})
	h.PublishH264(H264Packet{Data: []byte("key-1"), IsKeyframe: true})
	h.PublishH264(H264Packet{Data: []byte("inter-3"), IsKeyframe: false})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	pkt, ok := sub.Next(ctx)
	if !ok {
		t.Fatal("expected a packet")
	}
	if string(pkt.Data) != "key-1" {
		t.Fatalf("expected first delivered packet to be the first keyframe, got %q", pkt.Data)
	}

	pkt, ok = sub.Next(ctx)
	if !ok || string(pkt.Data) != "inter-3" {
		t.Fatalf("expected inter-3 after the keyframe, got %q ok=%v", pkt.Data, ok)
	}
}

func TestSubscriptionNeverDropsMostRecentKeyframe(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe(2)
	defer sub.Close()

	h.PublishH264(H264Packet{Data: []byte("key-1"), IsKeyframe: true})
	h.PublishH264(H264Packet{Data: []byte("inter-1"), IsKeyframe: false})
	h.PublishH264(H264Packet{Data: []byte("inter-2"), IsKeyframe: false})
	h.PublishH264(H264Packet{Data: []byte("key-2"), IsKeyframe: true})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []string
	for i := 0; i < 2; i++ {
		pkt, ok := sub.Next(ctx)
		if !ok {
			t.Fatalf("expected packet %d", i)
		}
		got = append(got, string(pkt.Data))
	}
	if got[len(got)-1] != "key-2" {
		t.Fatalf("expected most recent keyframe to survive eviction, got %v", got)
	}
}

func TestSubscriptionBootstrapReturnsCurrentExtradata(t *testing.T) {
	h := NewHub()
	h.SetExtradata(Extradata{SPS: []byte{0x67}, PPS: []byte{0x68}, NALLengthSize: 4})
	sub := h.Subscribe(4)
	defer sub.Close()

	ed := sub.Bootstrap()
	if !ed.IsSet() {
		t.Fatal("expected extradata to be set")
	}
	if ed.NALLengthSize != 4 {
		t.Fatalf("unexpected NALLengthSize: %d", ed.NALLengthSize)
	}
}

func TestWaitForJpegRaisesSnapshotRequestedOnce(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		h.WaitForJpeg(ctx)
		close(done)
	}()

	select {
	case <-h.SnapshotRequested:
	case <-time.After(time.Second):
		t.Fatal("expected SnapshotRequested to fire")
	}
	<-done
}

func TestPublishJpegWakesWaiter(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result := make(chan JpegFrame, 1)
	go func() {
		j, ok := h.WaitForJpeg(ctx)
		if ok {
			result <- j
		}
	}()

	// Give the waiter a chance to register before publishing.
	time.Sleep(10 * time.Millisecond)
	h.PublishJpeg(JpegFrame{Data: []byte("jpeg-bytes"), Sequence: 1})

	select {
	case j := <-result:
		if string(j.Data) != "jpeg-bytes" {
			t.Fatalf("unexpected jpeg: %v", j)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

package frame

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub is the per-worker broadcast surface from spec.md §4.1. Publish
// operations never block; overflow on the H.264 fan-out is handled by
// dropping the oldest non-keyframe packet queued for a given subscriber.
type Hub struct {
	mu  sync.Mutex
	yuv *Frame

	jpegMu      sync.Mutex
	jpeg        *JpegFrame
	jpegWaiters chan struct{} // closed+replaced each time a new jpeg is published

	// SnapshotRequested fires (non-blocking, best effort) when a snapshot
	// waiter finds the jpeg cache empty. PrinterWorker drains this to
	// attempt a camera restart (spec.md §4.5 step 8).
	SnapshotRequested chan struct{}
	snapRequestedOnce int32 // reset to 0 whenever a jpeg is published

	extraMu   sync.Mutex
	extradata Extradata

	subMu   sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64

	seq uint64
}

func NewHub() *Hub {
	return &Hub{
		jpegWaiters:       make(chan struct{}),
		SnapshotRequested: make(chan struct{}, 1),
		subs:              make(map[uint64]*Subscription),
	}
}

// PublishFrame overwrites the latest-YUV slot.
func (h *Hub) PublishFrame(f Frame) {
	f.Sequence = atomic.AddUint64(&h.seq, 1)
	h.mu.Lock()
	h.yuv = &f
	h.mu.Unlock()
}

// LatestFrame returns the most recent decoded frame, if any.
func (h *Hub) LatestFrame() (Frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.yuv == nil {
		return Frame{}, false
	}
	return *h.yuv, true
}

// PublishJpeg replaces the latest-JPEG slot and wakes any snapshot/stream
// waiters.
func (h *Hub) PublishJpeg(j JpegFrame) {
	h.jpegMu.Lock()
	h.jpeg = &j
	waiters := h.jpegWaiters
	h.jpegWaiters = make(chan struct{})
	h.jpegMu.Unlock()
	atomic.StoreInt32(&h.snapRequestedOnce, 0)
	close(waiters)
}

// LatestJpeg returns the cached JPEG without waiting.
func (h *Hub) LatestJpeg() (JpegFrame, bool) {
	h.jpegMu.Lock()
	defer h.jpegMu.Unlock()
	if h.jpeg == nil {
		return JpegFrame{}, false
	}
	return *h.jpeg, true
}

// WaitForJpeg returns the cached JPEG, or blocks until one is published,
// ctx is cancelled, or the context deadline (the /snapshot handler sets a
// ~2s deadline per spec.md §4.2). If the cache was empty when called, it
// raises SnapshotRequested once.
func (h *Hub) WaitForJpeg(ctx context.Context) (JpegFrame, bool) {
	for {
		h.jpegMu.Lock()
		if h.jpeg != nil {
			j := *h.jpeg
			h.jpegMu.Unlock()
			return j, true
		}
		waiters := h.jpegWaiters
		h.jpegMu.Unlock()

		if atomic.CompareAndSwapInt32(&h.snapRequestedOnce, 0, 1) {
			select {
			case h.SnapshotRequested <- struct{}{}:
			default:
			}
		}

		select {
		case <-waiters:
			continue
		case <-ctx.Done():
			return JpegFrame{}, false
		}
	}
}

// SetExtradata stores the SPS/PPS/NAL-length-size tuple derived from the
// decoder's extradata (spec.md §4.5 step 4). Existing subscribers pick it
// up the next time they Bootstrap().
func (h *Hub) SetExtradata(e Extradata) {
	h.extraMu.Lock()
	h.extradata = e
	h.extraMu.Unlock()
}

func (h *Hub) Extradata() Extradata {
	h.extraMu.Lock()
	defer h.extraMu.Unlock()
	return h.extradata
}

// PublishH264 fans a packet out to every subscriber.
func (h *Hub) PublishH264(pkt H264Packet) {
	pkt.Sequence = atomic.AddUint64(&h.seq, 1)
	h.subMu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subMu.Unlock()
	for _, s := range subs {
		s.push(pkt)
	}
}

// Subscription is a bounded, per-consumer view of the H.264 packet
// stream. Callers must call Bootstrap once (to get the SPS/PPS that must
// precede the first keyframe at the transport level) and then read with
// Next in a loop.
type Subscription struct {
	id  uint64
	hub *Hub
	cap int

	mu     sync.Mutex
	queue  []H264Packet
	ready  bool // true once the first keyframe has been queued
	closed bool
	notify chan struct{}
}

// Subscribe registers a new H.264 consumer with the given queue depth.
func (h *Hub) Subscribe(capacity int) *Subscription {
	if capacity < 2 {
		capacity = 2
	}
	h.subMu.Lock()
	h.nextSub++
	id := h.nextSub
	s := &Subscription{id: id, hub: h, cap: capacity, notify: make(chan struct{}, 1)}
	h.subs[id] = s
	h.subMu.Unlock()
	return s
}

// Bootstrap returns the SPS/PPS/NAL-length-size a consumer must write to
// the transport before any NAL units (spec.md §4.2).
func (s *Subscription) Bootstrap() Extradata {
	return s.hub.Extradata()
}

// Close unregisters the subscription; subsequent Next calls return false.
func (s *Subscription) Close() {
	s.hub.subMu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.subMu.Unlock()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Subscription) push(pkt H264Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.ready {
		if !pkt.IsKeyframe {
			return // discard pre-keyframe packets per spec.md §4.1
		}
		s.ready = true
	}
	if len(s.queue) >= s.cap {
		evicted := false
		for i, p := range s.queue {
			if !p.IsKeyframe {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted && len(s.queue) > 1 {
			// Only keyframes queued: drop the oldest, keep the most
			// recent keyframe per spec.md §4.1.
			s.queue = s.queue[1:]
		} else if !evicted {
			return
		}
	}
	s.queue = append(s.queue, pkt)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a packet is available, the subscription is closed, or
// ctx is done. Packets are returned in source order.
func (s *Subscription) Next(ctx context.Context) (H264Packet, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return H264Packet{}, false
		}
		if len(s.queue) > 0 {
			pkt := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return pkt, true
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-notify:
			continue
		case <-ctx.Done():
			return H264Packet{}, false
		}
	}
}

// SubscriberCount returns the number of live H.264 subscribers, used by
// the worker to drive camera keepalive (spec.md §4.5 step 5).
func (h *Hub) SubscriberCount() int {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	return len(h.subs)
}

package mjpegserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/h264"
)

const hlsTimescale = 90000

// hlsSegment is one fMP4 fragment, made of one or more "parts" for
// LL-HLS (each part is itself a moof+mdat covering a slice of the
// segment's access units).
type hlsSegment struct {
	sequence uint32
	parts    [][]byte // each a standalone moof+mdat fragment
	duration time.Duration
}

// hlsMuxer maintains a short ring of recent segments plus the current
// in-progress segment, and serves the init segment, media playlist and
// segment/part bodies. Regular HLS polls the playlist; LL-HLS clients
// block on _HLS_msn/_HLS_part until the matching part exists (spec.md
// §4.2).
type hlsMuxer struct {
	partDuration time.Duration
	llEnabled    bool

	mu         sync.Mutex
	init       []byte
	segments   []hlsSegment // bounded ring, oldest first
	maxSegs    int
	nextSeqNum uint32

	curParts     [][]byte
	curUnits     []frame.H264Packet
	curDurations []uint32 // ptsDelta90k recorded per curUnits entry
	curDur       time.Duration
	curBaseTime  uint64

	generation chan struct{} // closed+replaced whenever state changes, for blocking reload
}

func newHLSMuxer(partDuration time.Duration, llEnabled bool) *hlsMuxer {
	if partDuration <= 0 {
		partDuration = 300 * time.Millisecond
	}
	return &hlsMuxer{
		partDuration: partDuration,
		llEnabled:    llEnabled,
		maxSegs:      6,
		generation:   make(chan struct{}),
	}
}

// SetExtradata (re)builds the init segment; called once decoding starts.
func (m *hlsMuxer) SetExtradata(width, height int, ed frame.Extradata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init = h264.FMP4InitSegment(width, height, hlsTimescale, ed)
}

// PushAccessUnit accumulates one decoded access unit into the
// in-progress part/segment, rolling a new part every partDuration and a
// new segment on every keyframe after at least one part has
// accumulated (GOP-aligned segmentation).
func (m *hlsMuxer) PushAccessUnit(pkt frame.H264Packet, ptsDelta90k uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pkt.IsKeyframe && (len(m.curUnits) > 0 || len(m.curParts) > 0) {
		m.closeSegmentLocked()
	}
	if len(m.curUnits) == 0 {
		m.curBaseTime = uint64(pkt.PTS90kHz)
	}
	m.curUnits = append(m.curUnits, pkt)
	m.curDurations = append(m.curDurations, ptsDelta90k)
	m.curDur += time.Duration(ptsDelta90k) * time.Second / hlsTimescale

	if m.curDur >= m.partDuration {
		m.closePartLocked()
	}
	m.bumpGenerationLocked()
}

func (m *hlsMuxer) closePartLocked() {
	if len(m.curUnits) == 0 {
		return
	}
	part := h264.FMP4Segment(m.nextSeqNum, m.curBaseTime, m.curUnits, m.curDurations)
	m.curParts = append(m.curParts, part)
	m.curUnits = nil
	m.curDurations = nil
	m.curDur = 0
}

func (m *hlsMuxer) closeSegmentLocked() {
	m.closePartLocked()
	if len(m.curParts) == 0 {
		return
	}
	seg := hlsSegment{sequence: m.nextSeqNum, parts: m.curParts}
	m.segments = append(m.segments, seg)
	if len(m.segments) > m.maxSegs {
		m.segments = m.segments[len(m.segments)-m.maxSegs:]
	}
	m.nextSeqNum++
	m.curParts = nil
}

func (m *hlsMuxer) bumpGenerationLocked() {
	close(m.generation)
	m.generation = make(chan struct{})
}

func (m *hlsMuxer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/hls/")
	switch {
	case path == "init.mp4":
		m.serveInit(w)
	case path == "playlist.m3u8":
		m.servePlaylist(w, r)
	case strings.HasPrefix(path, "seg-"):
		m.serveSegmentOrPart(w, path)
	default:
		http.NotFound(w, r)
	}
}

func (m *hlsMuxer) serveInit(w http.ResponseWriter) {
	m.mu.Lock()
	data := m.init
	m.mu.Unlock()
	if data == nil {
		http.Error(w, "init segment not ready", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Write(data)
}

// servePlaylist implements the LL-HLS blocking-reload query params
// (_HLS_msn, _HLS_part): if the requested media sequence/part doesn't
// exist yet, it waits (bounded) for it rather than returning stale data.
func (m *hlsMuxer) servePlaylist(w http.ResponseWriter, r *http.Request) {
	if m.llEnabled {
		if msn, part, ok := parseBlockingReloadParams(r); ok {
			m.waitForPart(r, msn, part)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:9\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", 2)
	if m.llEnabled {
		fmt.Fprintf(&b, "#EXT-X-PART-INF:PART-TARGET=%.3f\n", m.partDuration.Seconds())
		fmt.Fprintf(&b, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=%.3f\n", m.partDuration.Seconds()*3)
	}
	if len(m.segments) == 0 {
		fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:0\n")
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(b.String()))
		return
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", m.segments[0].sequence)
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"init.mp4\"\n")
	for _, seg := range m.segments {
		for p := range seg.parts {
			if m.llEnabled {
				fmt.Fprintf(&b, "#EXT-X-PART:DURATION=%.3f,URI=\"seg-%d-%d.m4s\"\n", m.partDuration.Seconds(), seg.sequence, p)
			}
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", m.partDuration.Seconds()*float64(len(seg.parts)))
		fmt.Fprintf(&b, "seg-%d.m4s\n", seg.sequence)
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write([]byte(b.String()))
}

func parseBlockingReloadParams(r *http.Request) (msn uint32, part int, ok bool) {
	q := r.URL.Query()
	msnStr := q.Get("_HLS_msn")
	if msnStr == "" {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(msnStr, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	p, _ := strconv.Atoi(q.Get("_HLS_part"))
	return uint32(v), p, true
}

func (m *hlsMuxer) waitForPart(r *http.Request, msn uint32, part int) {
	deadline := time.After(5 * time.Second)
	for {
		m.mu.Lock()
		if m.hasPartLocked(msn, part) {
			m.mu.Unlock()
			return
		}
		gen := m.generation
		m.mu.Unlock()

		select {
		case <-gen:
			continue
		case <-deadline:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (m *hlsMuxer) hasPartLocked(msn uint32, part int) bool {
	for _, seg := range m.segments {
		if seg.sequence == msn {
			return part < len(seg.parts)
		}
	}
	if len(m.curParts) > 0 && m.nextSeqNum == msn {
		return part < len(m.curParts)
	}
	return false
}

func (m *hlsMuxer) serveSegmentOrPart(w http.ResponseWriter, path string) {
	name := strings.TrimSuffix(strings.TrimPrefix(path, "seg-"), ".m4s")
	fields := strings.SplitN(name, "-", 2)

	m.mu.Lock()
	defer m.mu.Unlock()

	seq64, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		http.Error(w, "bad segment name", http.StatusBadRequest)
		return
	}
	seq := uint32(seq64)

	var parts [][]byte
	for _, seg := range m.segments {
		if seg.sequence == seq {
			parts = seg.parts
			break
		}
	}
	if parts == nil && m.nextSeqNum == seq {
		parts = m.curParts
	}
	if parts == nil {
		http.NotFound(w, nil)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	if len(fields) == 2 {
		idx, err := strconv.Atoi(fields[1])
		if err != nil || idx < 0 || idx >= len(parts) {
			http.Error(w, "bad part index", http.StatusBadRequest)
			return
		}
		w.Write(parts[idx])
		return
	}
	for _, p := range parts {
		w.Write(p)
	}
}

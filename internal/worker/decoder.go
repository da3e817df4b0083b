package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/warpcomdev/camproxy/internal/frame"
	"github.com/warpcomdev/camproxy/internal/h264"
)

// Decoder wraps the FFmpeg subprocess, treated as a black box: it is
// handed a URL and asked to emit decoded YUV420p frames (for the JPEG
// path) and a parallel raw H.264 stream (for the WebSocket/HLS/RTP
// paths) from the same source. Subprocess lifecycle (exec.Cmd, piped
// stdout, a dedicated log callback) follows the usual supervised-
// external-process shape: start, stream output, wait, restart on exit.
type Decoder struct {
	flvURL string
	width  int
	height int

	OnFrame           func(frame.Frame)
	OnH264Packet      func(frame.H264Packet)
	OnDecodingStarted func(frame.Extradata)
	OnLog             func(line string)

	mu   sync.Mutex
	cmd  *exec.Cmd
	wg   sync.WaitGroup
}

func NewDecoder(flvURL string, width, height int) *Decoder {
	return &Decoder{flvURL: flvURL, width: width, height: height}
}

// Start launches ffmpeg and begins decoding; it returns once the
// subprocess has been spawned, not once decoding completes. Run the
// returned wait function to block for subprocess exit.
func (d *Decoder) Start(ctx context.Context) (wait func() error, err error) {
	h264Read, h264Write, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	args := []string{
		"-loglevel", "warning",
		"-i", d.flvURL,
		"-map", "0:v", "-f", "rawvideo", "-pix_fmt", "yuv420p", "pipe:1",
		"-map", "0:v", "-c:v", "copy", "-bsf:v", "h264_mp4toannexb", "-f", "h264", "pipe:3",
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.ExtraFiles = []*os.File{h264Write}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h264Read.Close()
		h264Write.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h264Read.Close()
		h264Write.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		h264Read.Close()
		h264Write.Close()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	h264Write.Close() // parent's copy of the write end; ffmpeg holds its own

	d.mu.Lock()
	d.cmd = cmd
	d.mu.Unlock()

	d.wg.Add(3)
	go d.drainYUV(stdout)
	go d.drainH264(h264Read)
	go d.drainLog(stderr)

	return func() error {
		d.wg.Wait()
		return cmd.Wait()
	}, nil
}

// Stop terminates the subprocess. Safe to call even if Start failed.
func (d *Decoder) Stop() {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func (d *Decoder) frameSize() int {
	return d.width*d.height + 2*(((d.width+1)/2)*((d.height+1)/2))
}

func (d *Decoder) drainYUV(r io.ReadCloser) {
	defer d.wg.Done()
	defer r.Close()
	size := d.frameSize()
	if size <= 0 {
		return
	}
	buf := make([]byte, size)
	reader := bufio.NewReaderSize(r, size*2)
	var seq uint64
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return
		}
		seq++
		if d.OnFrame != nil {
			d.OnFrame(frame.Frame{
				Data:     append([]byte(nil), buf...),
				Width:    d.width,
				Height:   d.height,
				Stride:   d.width,
				Sequence: seq,
			})
		}
	}
}

func (d *Decoder) drainH264(r io.ReadCloser) {
	defer d.wg.Done()
	defer r.Close()
	reader := bufio.NewReaderSize(r, 1<<20)
	var buf []byte
	tmp := make([]byte, 1<<16)
	var startedDecoding bool

	flushAccessUnit := func() {
		if len(buf) == 0 {
			return
		}
		nals := h264.SplitAnnexB(buf)
		buf = buf[:0]
		if len(nals) == 0 {
			return
		}
		if !startedDecoding {
			if ed, ok := extractExtradata(nals); ok {
				startedDecoding = true
				if d.OnDecodingStarted != nil {
					d.OnDecodingStarted(ed)
				}
			}
		}
		keyframe := false
		var avcc []byte
		for _, nal := range nals {
			switch h264.NALType(nal[0]) {
			case h264.NALTypeSPS, h264.NALTypePPS:
				continue
			}
			if h264.IsKeyframeStart(nal) {
				keyframe = true
			}
			avcc = append(avcc, lengthPrefixed(nal)...)
		}
		if len(avcc) > 0 && d.OnH264Packet != nil {
			d.OnH264Packet(frame.H264Packet{Data: avcc, IsKeyframe: keyframe})
		}
	}

	for {
		n, err := reader.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			// A new start code after the first one marks the previous
			// access unit complete enough to flush; ffmpeg's h264
			// muxer writes one NAL (or small group) per Read in
			// practice, so flush eagerly and let downstream fan-out
			// treat consecutive non-keyframe NALs as one unit.
			flushAccessUnit()
		}
		if err != nil {
			return
		}
	}
}

func (d *Decoder) drainLog(r io.ReadCloser) {
	defer d.wg.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if d.OnLog != nil {
			d.OnLog(scanner.Text())
		}
	}
}

func extractExtradata(nals [][]byte) (frame.Extradata, bool) {
	var sps, pps []byte
	for _, nal := range nals {
		switch h264.NALType(nal[0]) {
		case h264.NALTypeSPS:
			sps = append([]byte(nil), nal...)
		case h264.NALTypePPS:
			pps = append([]byte(nil), nal...)
		}
	}
	if len(sps) == 0 || len(pps) == 0 {
		return frame.Extradata{}, false
	}
	return frame.Extradata{SPS: sps, PPS: pps, NALLengthSize: 4}, true
}

func lengthPrefixed(nal []byte) []byte {
	out := make([]byte, 4+len(nal))
	out[0] = byte(len(nal) >> 24)
	out[1] = byte(len(nal) >> 16)
	out[2] = byte(len(nal) >> 8)
	out[3] = byte(len(nal))
	copy(out[4:], nal)
	return out
}

package h264

import (
	"bytes"
	"testing"

	"github.com/warpcomdev/camproxy/internal/frame"
)

func TestMuxerRoundTrip(t *testing.T) {
	ed := frame.Extradata{
		SPS:           []byte{0x67, 0x42, 0x00, 0x1e, 0xaa},
		PPS:           []byte{0x68, 0xce, 0x3c, 0x80},
		NALLengthSize: 4,
	}
	m := NewMuxer(1280, 720, 15, ed)

	var stream bytes.Buffer
	stream.Write(m.Header())

	sliceNAL := []byte{0x65, 0x01, 0x02, 0x03}
	au := [][]byte{ed.SPS, ed.PPS, sliceNAL}
	stream.Write(m.WriteAccessUnit(au, true))

	body, err := ParseHeader(stream.Bytes())
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	tags, err := ParseTags(body)
	if err != nil {
		t.Fatalf("ParseTags: %v", err)
	}
	if len(tags) != 3 {
		t.Fatalf("expected 3 tags (metadata, seq header, frame), got %d", len(tags))
	}
	if tags[0].Type != tagTypeScript {
		t.Fatalf("expected first tag to be script, got type %d", tags[0].Type)
	}
	if tags[1].Type != tagTypeVideo {
		t.Fatalf("expected second tag to be video (seq header), got type %d", tags[1].Type)
	}

	frameTag := tags[2]
	if frameTag.Type != tagTypeVideo {
		t.Fatalf("expected third tag to be video, got type %d", frameTag.Type)
	}
	nals, err := ExtractNALsFromVideoTag(frameTag.Data)
	if err != nil {
		t.Fatalf("ExtractNALsFromVideoTag: %v", err)
	}
	if len(nals) != 1 {
		t.Fatalf("expected SPS/PPS to be filtered out, leaving 1 NAL, got %d", len(nals))
	}
	if !bytes.Equal(nals[0], sliceNAL) {
		t.Fatalf("round-tripped NAL mismatch: got %x want %x", nals[0], sliceNAL)
	}
}

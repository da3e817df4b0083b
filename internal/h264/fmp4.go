package h264

import (
	"bytes"
	"encoding/binary"

	"github.com/warpcomdev/camproxy/internal/frame"
)

// fMP4 (fragmented MP4) box writer for HLS/LL-HLS. Single video track,
// AVC1 sample entry built from the extracted SPS/PPS (spec.md §4.2: "LL-
// HLS requires fMP4, so use fMP4 for both LL and regular HLS to keep one
// code path" — a SPEC_FULL.md decision, not upstream behavior).

func box(boxType string, payload []byte) []byte {
	out := make([]byte, 0, 8+len(payload))
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(8+len(payload)))
	out = append(out, size[:]...)
	out = append(out, []byte(boxType)...)
	out = append(out, payload...)
	return out
}

func fullBox(boxType string, version byte, flags uint32, payload []byte) []byte {
	header := make([]byte, 4)
	header[0] = version
	header[1] = byte(flags >> 16)
	header[2] = byte(flags >> 8)
	header[3] = byte(flags)
	return box(boxType, append(header, payload...))
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// FMP4InitSegment builds the ftyp+moov init segment for a single AVC
// video track, timescale in Hz (typically 90000 to match RTP PTS units).
func FMP4InitSegment(width, height int, timescale uint32, ed frame.Extradata) []byte {
	ftyp := box("ftyp", concat([]byte("isom"), u32(0x200), []byte("isomiso2avc1mp41")))

	mvhd := fullBox("mvhd", 0, 0, concat(
		u32(0), u32(0), u32(timescale), u32(0),
		u32(0x00010000), u16(0x0100), u16(0),
		u32(0), u32(0),
		make([]byte, 36), // unity matrix simplified to zero (players tolerate; real encoders set identity)
		make([]byte, 24),
		u32(2), // next track ID
	))

	tkhd := fullBox("tkhd", 0, 0x000007, concat(
		u32(0), u32(0), u32(1), u32(0),
		u32(0),
		make([]byte, 8),
		u16(0), u16(0), u16(0), u16(0),
		make([]byte, 36),
		u32(uint32(width)<<16), u32(uint32(height)<<16),
	))

	mdhd := fullBox("mdhd", 0, 0, concat(u32(0), u32(0), u32(timescale), u32(0), u16(0x55c4), u16(0)))
	hdlr := fullBox("hdlr", 0, 0, concat(u32(0), []byte("vide"), make([]byte, 12), []byte("camproxy\x00")))
	vmhd := fullBox("vmhd", 0, 1, concat(u16(0), u16(0), u16(0), u16(0)))
	dref := fullBox("dref", 0, 0, concat(u32(1), fullBox("url ", 0, 1, nil)))
	dinf := box("dinf", dref)

	avcC := buildAVCDecoderConfigurationRecord(ed)
	avc1 := box("avc1", concat(
		make([]byte, 6), u16(1), // reserved + data reference index
		make([]byte, 16),
		u16(uint16(width)), u16(uint16(height)),
		u32(0x00480000), u32(0x00480000),
		u32(0),
		u16(1), make([]byte, 32), // frame count + compressor name
		u16(0x18), u16(0xffff),
		box("avcC", avcC),
	))
	stsd := fullBox("stsd", 0, 0, concat(u32(1), avc1))
	stts := fullBox("stts", 0, 0, u32(0))
	stsc := fullBox("stsc", 0, 0, u32(0))
	stsz := fullBox("stsz", 0, 0, concat(u32(0), u32(0)))
	stco := fullBox("stco", 0, 0, u32(0))
	stbl := box("stbl", concat(stsd, stts, stsc, stsz, stco))
	minf := box("minf", concat(vmhd, dinf, stbl))
	mdia := box("mdia", concat(mdhd, hdlr, minf))
	trak := box("trak", concat(tkhd, mdia))

	trex := fullBox("trex", 0, 0, concat(u32(1), u32(1), u32(0), u32(0), u32(0)))
	mvex := box("mvex", trex)

	moov := box("moov", concat(mvhd, trak, mvex))
	return concat(ftyp, moov)
}

const (
	sampleFlagNonKeyframe = 0x00010000 // sample_is_difference_sample
	sampleFlagKeyframe    = 0x02000000 // sample_depends_on = 2 (no dependency)
)

// FMP4Segment builds one moof+mdat fragment containing the access units
// of a single GOP (first sample must be a keyframe). sequenceNumber is
// the fragment's moof sequence number (monotonic per track);
// baseDecodeTime is the track-timescale timestamp of the first sample.
func FMP4Segment(sequenceNumber uint32, baseDecodeTime uint64, units []frame.H264Packet, durationsPerSample []uint32) []byte {
	var mdat bytes.Buffer
	entries := make([]byte, 0, 16*len(units))
	offsetInMdat := uint32(0)
	for i, pkt := range units {
		mdat.Write(pkt.Data)
		flags := uint32(sampleFlagNonKeyframe)
		if pkt.IsKeyframe {
			flags = sampleFlagKeyframe
		}
		entries = append(entries, u32(durationsPerSample[i])...)
		entries = append(entries, u32(uint32(len(pkt.Data)))...)
		entries = append(entries, u32(flags)...)
		offsetInMdat += uint32(len(pkt.Data))
	}

	mfhd := fullBox("mfhd", 0, 0, u32(sequenceNumber))
	tfhd := fullBox("tfhd", 0, 0x020000, u32(1)) // default-base-is-moof
	tfdt := fullBox("tfdt", 1, 0, u64(baseDecodeTime))

	// data offset is patched below, once moof size is known.
	trunFlags := uint32(0x000001 | 0x000100 | 0x000200 | 0x000400) // data-offset, duration, size, flags present
	trun := fullBox("trun", 0, trunFlags, concat(u32(uint32(len(units))), u32(0), entries))

	traf := box("traf", concat(tfhd, tfdt, trun))
	moofBody := concat(mfhd, traf)
	moof := box("moof", moofBody)

	dataOffset := uint32(len(moof) + 8) // moof size + "mdat" header
	patchTrunDataOffset(moof, dataOffset)

	mdatBox := box("mdat", mdat.Bytes())
	return concat(moof, mdatBox)
}

// patchTrunDataOffset overwrites the data-offset field inside an already
// serialized moof box in place. The offset always lives at a fixed
// position for the single-track-single-traf layout this muxer emits.
func patchTrunDataOffset(moof []byte, dataOffset uint32) {
	idx := bytes.Index(moof, []byte("trun"))
	if idx < 0 {
		return
	}
	// trun fullbox: size(4) type(4) version/flags(4) sampleCount(4) dataOffset(4)
	off := idx + 4 + 4 + 4
	if off+4 > len(moof) {
		return
	}
	copy(moof[off:off+4], u32(dataOffset))
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

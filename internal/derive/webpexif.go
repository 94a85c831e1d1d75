package derive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/franz/phototank/internal/heif"
)

const (
	vp8xFlagEXIF  = 0x08
	vp8xFlagAlpha = 0x10

	tagOrientation = 0x0112
)

var errNotWEBP = errors.New("not a RIFF/WEBP container")

type chunk struct {
	fourCC  string
	payload []byte
}

func parseChunks(data []byte) ([]chunk, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, errNotWEBP
	}
	end := 8 + int(binary.LittleEndian.Uint32(data[4:8]))
	if end > len(data) {
		return nil, fmt.Errorf("%w: truncated", errNotWEBP)
	}

	var chunks []chunk
	for off := 12; off+8 <= end; {
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		start := off + 8
		if start+size > end {
			return nil, fmt.Errorf("%w: chunk %q overruns file", errNotWEBP, data[off:off+4])
		}
		chunks = append(chunks, chunk{string(data[off : off+4]), data[start : start+size]})
		off = start + size + size&1
	}
	return chunks, nil
}

func assemble(chunks []chunk) []byte {
	var body bytes.Buffer
	body.WriteString("WEBP")
	for _, c := range chunks {
		body.WriteString(c.fourCC)
		binary.Write(&body, binary.LittleEndian, uint32(len(c.payload)))
		body.Write(c.payload)
		if len(c.payload)%2 == 1 {
			body.WriteByte(0)
		}
	}
	out := make([]byte, 0, 8+body.Len())
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(body.Len()))
	return append(out, body.Bytes()...)
}

func put24(b []byte, v int) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}

// EmbedEXIF adds an EXIF chunk to an encoded WEBP, converting a simple
// (VP8/VP8L) file into the extended VP8X layout when needed.
func EmbedEXIF(webpData, tiffBlock []byte, width, height int) ([]byte, error) {
	chunks, err := parseChunks(webpData)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", errNotWEBP)
	}

	kept := chunks[:0:0]
	for _, c := range chunks {
		if c.fourCC != "EXIF" {
			kept = append(kept, c)
		}
	}

	if kept[0].fourCC == "VP8X" {
		hdr := append([]byte(nil), kept[0].payload...)
		if len(hdr) < 10 {
			return nil, fmt.Errorf("%w: short VP8X", errNotWEBP)
		}
		hdr[0] |= vp8xFlagEXIF
		kept[0] = chunk{"VP8X", hdr}
	} else {
		hdr := make([]byte, 10)
		hdr[0] = vp8xFlagEXIF
		if kept[0].fourCC == "VP8L" && len(kept[0].payload) >= 5 {
			bits := binary.LittleEndian.Uint32(kept[0].payload[1:5])
			if bits>>28&1 == 1 {
				hdr[0] |= vp8xFlagAlpha
			}
		}
		put24(hdr[4:7], width-1)
		put24(hdr[7:10], height-1)
		kept = append([]chunk{{"VP8X", hdr}}, kept...)
	}

	kept = append(kept, chunk{"EXIF", tiffBlock})
	return assemble(kept), nil
}

// HasEXIF reports whether the WEBP at path carries an EXIF chunk.
func HasEXIF(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	chunks, err := parseChunks(data)
	if err != nil {
		return false
	}
	for _, c := range chunks {
		if c.fourCC == "EXIF" {
			return true
		}
	}
	return false
}

// normalizedEXIF returns the source's raw TIFF-structured EXIF with the
// orientation reset to 1, or nil when the source has none.
func normalizedEXIF(source string) []byte {
	f, err := os.Open(source)
	if err != nil {
		return nil
	}
	defer f.Close()

	r, err := heif.MetadataReader(f)
	if err != nil {
		return nil
	}
	x, err := exif.Decode(r)
	if x == nil || len(x.Raw) < 8 {
		return nil
	}
	if err != nil && exif.IsCriticalError(err) {
		return nil
	}
	raw := append([]byte(nil), x.Raw...)
	if _, err := SetOrientation(raw, 1); err != nil {
		return nil
	}
	return raw
}

// SetOrientation rewrites IFD0's Orientation value in place. It reports
// whether the tag was present.
func SetOrientation(tiffBlock []byte, value uint16) (bool, error) {
	if len(tiffBlock) < 8 {
		return false, errors.New("tiff block too short")
	}
	var order binary.ByteOrder
	switch string(tiffBlock[0:4]) {
	case "II*\x00":
		order = binary.LittleEndian
	case "MM\x00*":
		order = binary.BigEndian
	default:
		return false, errors.New("missing TIFF header")
	}

	ifd := int(order.Uint32(tiffBlock[4:8]))
	if ifd+2 > len(tiffBlock) {
		return false, errors.New("IFD0 offset out of range")
	}
	n := int(order.Uint16(tiffBlock[ifd : ifd+2]))
	for i := 0; i < n; i++ {
		e := ifd + 2 + i*12
		if e+12 > len(tiffBlock) {
			return false, errors.New("IFD0 entry out of range")
		}
		if order.Uint16(tiffBlock[e:e+2]) != tagOrientation {
			continue
		}
		// SHORT, count 1: value is inline in the first two bytes of the field.
		order.PutUint16(tiffBlock[e+8:e+10], value)
		return true, nil
	}
	return false, nil
}

package dist

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The tcp backend speaks length-prefixed protobuf frames, hand-encoded with
// protowire. Three frame kinds flow over a connection:
//
//	join        peer -> coordinator, once, carries the peer's rank
//	contribute  peer -> coordinator, one per collective, carries values
//	result      coordinator -> peer, one per collective, carries the sum
//
// Field numbers: 1 kind (varint), 2 rank (varint), 3 seq (varint),
// 4 values (packed fixed64 bit patterns of float64).
type frameKind uint64

const (
	frameJoin frameKind = iota + 1
	frameContribute
	frameResult
)

type frame struct {
	Kind   frameKind
	Rank   int
	Seq    uint64
	Values []float64
}

func encodeFrame(f frame) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Kind))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(f.Rank))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, f.Seq)

	if len(f.Values) > 0 {
		payload := make([]byte, 0, 8*len(f.Values))
		for _, v := range f.Values {
			payload = protowire.AppendFixed64(payload, math.Float64bits(v))
		}
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, payload)
	}

	framed := protowire.AppendVarint(nil, uint64(len(buf)))
	return append(framed, buf...)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return f, fmt.Errorf("malformed frame tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case 1, 2, 3:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return f, fmt.Errorf("malformed varint for field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case 1:
				f.Kind = frameKind(v)
			case 2:
				f.Rank = int(v)
			case 3:
				f.Seq = v
			}
		case 4:
			payload, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return f, fmt.Errorf("malformed values field: %v", protowire.ParseError(n))
			}
			data = data[n:]
			if len(payload)%8 != 0 {
				return f, fmt.Errorf("values payload length %d is not a multiple of 8", len(payload))
			}
			f.Values = make([]float64, 0, len(payload)/8)
			for len(payload) > 0 {
				bits, n := protowire.ConsumeFixed64(payload)
				if n < 0 {
					return f, fmt.Errorf("malformed fixed64 in values: %v", protowire.ParseError(n))
				}
				payload = payload[n:]
				f.Values = append(f.Values, math.Float64frombits(bits))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return f, fmt.Errorf("malformed unknown field %d: %v", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if f.Kind == 0 {
		return f, fmt.Errorf("frame missing kind field")
	}
	return f, nil
}

func writeFrame(w io.Writer, f frame) error {
	if _, err := w.Write(encodeFrame(f)); err != nil {
		return fmt.Errorf("frame write failed: %v", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) (frame, error) {
	size, err := readUvarint(r)
	if err != nil {
		return frame{}, err
	}
	const maxFrameSize = 64 << 20
	if size > maxFrameSize {
		return frame{}, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, fmt.Errorf("frame read failed: %v", err)
	}
	return decodeFrame(buf)
}

func readUvarint(r *bufio.Reader) (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("malformed frame length prefix")
		}
	}
}

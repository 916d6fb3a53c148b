package recording

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
)

// Field numbers of a data record.
const (
	dataSource      protowire.Number = 1
	dataSeq         protowire.Number = 2
	dataFirstSample protowire.Number = 3
	dataChannels    protowire.Number = 4
	dataSamples     protowire.Number = 5
	dataValues      protowire.Number = 6
)

// Field numbers of an event record.
const (
	eventSource    protowire.Number = 1
	eventCode      protowire.Number = 2
	eventTimestamp protowire.Number = 3
	eventSample    protowire.Number = 4
)

// Block is one tick of analog data as recorded.
type Block struct {
	Source      string
	Seq         uint64
	FirstSample int64
	// Data is channels × samples.
	Data [][]float64
}

// Samples returns the number of samples per channel.
func (b Block) Samples() int {
	if len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Event is one recorded event marker.
type Event struct {
	Source string
	acquisition.EventMarker
}

func appendBlock(dst []byte, b Block) []byte {
	n := b.Samples()
	var msg []byte
	msg = protowire.AppendTag(msg, dataSource, protowire.BytesType)
	msg = protowire.AppendString(msg, b.Source)
	msg = protowire.AppendTag(msg, dataSeq, protowire.VarintType)
	msg = protowire.AppendVarint(msg, b.Seq)
	msg = protowire.AppendTag(msg, dataFirstSample, protowire.VarintType)
	msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(b.FirstSample))
	msg = protowire.AppendTag(msg, dataChannels, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(len(b.Data)))
	msg = protowire.AppendTag(msg, dataSamples, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(n))

	packed := make([]byte, 0, len(b.Data)*n*8)
	for _, row := range b.Data {
		for _, v := range row[:n] {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
	}
	msg = protowire.AppendTag(msg, dataValues, protowire.BytesType)
	msg = protowire.AppendBytes(msg, packed)

	return protowire.AppendBytes(dst, msg)
}

func appendEvent(dst []byte, e Event) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, eventSource, protowire.BytesType)
	msg = protowire.AppendString(msg, e.Source)
	msg = protowire.AppendTag(msg, eventCode, protowire.VarintType)
	msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(int64(e.Code)))
	msg = protowire.AppendTag(msg, eventTimestamp, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(e.Timestamp))
	msg = protowire.AppendTag(msg, eventSample, protowire.VarintType)
	msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(e.Sample))
	return protowire.AppendBytes(dst, msg)
}

var errMalformed = errors.New("malformed record")

// readRecords calls fn with each length-delimited record in r.
func readRecords(r io.Reader, fn func(msg []byte) error) error {
	br := bufio.NewReader(r)
	for {
		size, err := readUvarint(br)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		msg := make([]byte, size)
		if _, err := io.ReadFull(br, msg); err != nil {
			return fmt.Errorf("truncated record: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

func readUvarint(br *bufio.Reader) (uint64, error) {
	var buf []byte
	for i := 0; i < protowire.SizeVarint(math.MaxUint64); i++ {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		buf = append(buf, c)
		if c < 0x80 {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			return v, nil
		}
	}
	return 0, errMalformed
}

func decodeBlock(msg []byte) (Block, error) {
	var (
		b        Block
		channels int
		samples  int
		packed   []byte
	)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return b, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == dataSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return b, protowire.ParseError(n)
			}
			b.Source, msg = v, msg[n:]
		case num == dataValues && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return b, protowire.ParseError(n)
			}
			packed, msg = v, msg[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return b, protowire.ParseError(n)
			}
			msg = msg[n:]
			switch num {
			case dataSeq:
				b.Seq = v
			case dataFirstSample:
				b.FirstSample = protowire.DecodeZigZag(v)
			case dataChannels:
				channels = int(v)
			case dataSamples:
				samples = int(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return b, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	if len(packed) != channels*samples*8 {
		return b, fmt.Errorf("%w: %d value bytes for %dx%d block", errMalformed, len(packed), channels, samples)
	}
	b.Data = make([][]float64, channels)
	for ch := range b.Data {
		row := make([]float64, samples)
		for i := range row {
			v, n := protowire.ConsumeFixed64(packed)
			if n < 0 {
				return b, protowire.ParseError(n)
			}
			row[i] = math.Float64frombits(v)
			packed = packed[n:]
		}
		b.Data[ch] = row
	}
	return b, nil
}

func decodeEvent(msg []byte) (Event, error) {
	var e Event
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == eventSource && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Source, msg = v, msg[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			msg = msg[n:]
			switch num {
			case eventCode:
				e.Code = int(protowire.DecodeZigZag(v))
			case eventTimestamp:
				e.Timestamp = int(v)
			case eventSample:
				e.Sample = protowire.DecodeZigZag(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return e, nil
}

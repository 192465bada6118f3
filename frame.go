package zsock

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bytedance/gopkg/lang/mcache"
)

/* Frame layout

	+----------------+--------+----------------+
	| length (u32BE) | type   | body           |
	+----------------+--------+----------------+
	|       4B       |   1B   |   length B     |

length counts body bytes only.
*/

const (
	lengthSize = 4
	typeSize   = 1
	HeaderSize = lengthSize + typeSize

	maxFrameLength = math.MaxUint32
)

func encodeHeader(dst []byte, t PacketType, length uint32) {
	binary.BigEndian.PutUint32(dst, length)
	dst[lengthSize] = byte(t)
}

func decodeHeader(src []byte) (t PacketType, length uint32) {
	return PacketType(src[lengthSize]), binary.BigEndian.Uint32(src)
}

// frameDecoder reassembles frames from arbitrarily segmented input. Bytes
// before the cursor r are consumed and dropped on the next append.
type frameDecoder struct {
	buf          []byte
	r            int
	maxFrameSize int64
}

func newFrameDecoder(maxFrameSize int64) *frameDecoder {
	return &frameDecoder{maxFrameSize: maxFrameSize}
}

// Feed appends p and calls emit for every complete frame, in stream order.
// body is only valid during the call. A frame whose declared length exceeds
// the maximum fails with ErrFrameTooLarge before its body is buffered.
func (d *frameDecoder) Feed(p []byte, emit func(t PacketType, body []byte) error) error {
	d.append(p)
	for {
		avail := len(d.buf) - d.r
		if avail < HeaderSize {
			break
		}
		t, length := decodeHeader(d.buf[d.r:])
		if int64(length) > d.maxFrameSize {
			return fmt.Errorf("%w: declared %d, max %d", ErrFrameTooLarge, length, d.maxFrameSize)
		}
		total := HeaderSize + int(length)
		if avail < total {
			break
		}
		body := d.buf[d.r+HeaderSize : d.r+total]
		d.r += total
		if err := emit(t, body); err != nil {
			return err
		}
	}
	if d.r == len(d.buf) {
		d.buf, d.r = d.buf[:0], 0
	}
	return nil
}

// Buffered returns the number of undecoded bytes.
func (d *frameDecoder) Buffered() int {
	return len(d.buf) - d.r
}

func (d *frameDecoder) append(p []byte) {
	if len(p) == 0 {
		return
	}
	if cap(d.buf)-len(d.buf) < len(p) && d.r > 0 {
		n := copy(d.buf, d.buf[d.r:])
		d.buf, d.r = d.buf[:n], 0
	}
	if cap(d.buf)-len(d.buf) < len(p) {
		newCap := cap(d.buf) << 1
		if newCap < len(d.buf)+len(p) {
			newCap = len(d.buf) + len(p)
		}
		if newCap < block1k {
			newCap = block1k
		}
		grown := mcache.Malloc(len(d.buf), newCap)
		copy(grown, d.buf)
		if d.buf != nil {
			mcache.Free(d.buf)
		}
		d.buf = grown
	}
	d.buf = append(d.buf, p...)
}

// Release drops any partial frame and returns the storage.
func (d *frameDecoder) Release() {
	if d.buf != nil {
		mcache.Free(d.buf)
	}
	d.buf, d.r = nil, 0
}

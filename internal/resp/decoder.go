package resp

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	MaxBulkLength   = 512 << 20
	MaxArrayLength  = 1 << 20
	MaxInlineLength = 64 << 10
	MaxNestingDepth = 32

	// minElementLength is the size of the shortest element frame, "+\r\n".
	minElementLength = 3
)

var (
	// ErrIncomplete means the buffer ends inside a frame. Callers should
	// keep the bytes and retry once more data has arrived.
	ErrIncomplete    = errors.New("incomplete RESP frame")
	ErrInvalidType   = errors.New("invalid RESP type")
	ErrInvalidFormat = errors.New("invalid RESP format")
)

var crlf = []byte("\r\n")

// Decode decodes the first frame in buf and reports how many bytes it
// spans. Lines that do not start with a RESP type byte are decoded as
// inline commands.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) > 0 && !isTypeByte(buf[0]) {
		return decodeInline(buf)
	}
	return decode(buf, 0)
}

func isTypeByte(b byte) bool {
	switch Type(b) {
	case SimpleString, Error, Integer, BulkString, Array:
		return true
	}
	return false
}

// decode decodes one typed frame. Array elements must be typed frames;
// inline syntax is only accepted at the top level.
func decode(buf []byte, depth int) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, ErrIncomplete
	}

	switch Type(buf[0]) {
	case SimpleString, Error:
		line, n, err := readLine(buf, 1)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Type: Type(buf[0]), Str: string(line)}, n, nil
	case Integer:
		num, n, err := readInt(buf, 1)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Type: Integer, Int: num}, n, nil
	case BulkString:
		return decodeBulkString(buf)
	case Array:
		return decodeArray(buf, depth)
	default:
		return Value{}, 0, errors.Wrapf(ErrInvalidType, "unexpected byte %q", buf[0])
	}
}

func decodeBulkString(buf []byte) (Value, int, error) {
	length, n, err := readInt(buf, 1)
	if err != nil {
		return Value{}, 0, err
	}
	if length == -1 {
		return NullBulkStringValue(), n, nil
	}
	if length < 0 || length > MaxBulkLength {
		return Value{}, 0, errors.Wrapf(ErrInvalidFormat, "invalid bulk length %d", length)
	}

	end := n + int(length)
	if len(buf) < end+2 {
		return Value{}, 0, ErrIncomplete
	}
	if !bytes.Equal(buf[end:end+2], crlf) {
		return Value{}, 0, errors.Wrap(ErrInvalidFormat, "missing CRLF after bulk string")
	}
	return BulkStringValue(string(buf[n:end])), end + 2, nil
}

func decodeArray(buf []byte, depth int) (Value, int, error) {
	if depth >= MaxNestingDepth {
		return Value{}, 0, errors.Wrapf(ErrInvalidFormat, "arrays nested deeper than %d", MaxNestingDepth)
	}

	count, n, err := readInt(buf, 1)
	if err != nil {
		return Value{}, 0, err
	}
	if count == -1 {
		return Value{Type: Array, Null: true}, n, nil
	}
	if count < 0 || count > MaxArrayLength {
		return Value{}, 0, errors.Wrapf(ErrInvalidFormat, "invalid multibulk length %d", count)
	}

	// Nothing is reserved until the buffer could hold every element, so a
	// bare header cannot force a large allocation.
	if count > int64(len(buf)-n)/minElementLength {
		return Value{}, 0, ErrIncomplete
	}

	values := make([]Value, 0, count)
	for i := int64(0); i < count; i++ {
		v, used, err := decode(buf[n:], depth+1)
		if err != nil {
			return Value{}, 0, err
		}
		values = append(values, v)
		n += used
	}
	return Value{Type: Array, Array: values}, n, nil
}

// decodeInline handles telnet style requests such as "PING\r\n".
func decodeInline(buf []byte) (Value, int, error) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		if len(buf) > MaxInlineLength {
			return Value{}, 0, errors.Wrap(ErrInvalidFormat, "too big inline request")
		}
		return Value{}, 0, ErrIncomplete
	}

	line := strings.TrimSuffix(string(buf[:i]), "\r")
	fields := strings.Fields(line)
	values := make([]Value, len(fields))
	for j, f := range fields {
		values[j] = BulkStringValue(f)
	}
	return Value{Type: Array, Array: values}, i + 1, nil
}

// readLine returns the bytes between start and the next CRLF, and the
// offset just past the CRLF.
func readLine(buf []byte, start int) ([]byte, int, error) {
	i := bytes.Index(buf[start:], crlf)
	if i < 0 {
		if len(buf)-start > MaxInlineLength {
			return nil, 0, errors.Wrap(ErrInvalidFormat, "missing CRLF")
		}
		return nil, 0, ErrIncomplete
	}
	return buf[start : start+i], start + i + 2, nil
}

func readInt(buf []byte, start int) (int64, int, error) {
	line, n, err := readLine(buf, start)
	if err != nil {
		return 0, 0, err
	}
	num, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrInvalidFormat, "invalid integer %q", line)
	}
	return num, n, nil
}

// Reader decodes a stream of frames, such as an append-only file.
type Reader struct {
	r   io.Reader
	buf []byte
	eof bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Read returns the next frame. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream stops inside a frame.
func (r *Reader) Read() (Value, error) {
	chunk := make([]byte, 4096)
	for {
		if len(r.buf) > 0 {
			v, n, err := Decode(r.buf)
			if err == nil {
				r.buf = r.buf[n:]
				return v, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return Value{}, err
			}
		}

		if r.eof {
			if len(r.buf) == 0 {
				return Value{}, io.EOF
			}
			return Value{}, io.ErrUnexpectedEOF
		}

		n, err := r.r.Read(chunk)
		r.buf = append(r.buf, chunk[:n]...)
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			return Value{}, err
		}
	}
}

package pelican

import (
	"io"
)

// bytesBuilder is an io.Writer appending to Buf, so that encoders can write
// straight into a caller-provided buffer.
type bytesBuilder struct {
	Buf []byte
}

var (
	_ io.Writer       = (*bytesBuilder)(nil)
	_ io.ByteWriter   = (*bytesBuilder)(nil)
	_ io.StringWriter = (*bytesBuilder)(nil)
)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = append(bb.Buf, b...)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(bb.Buf, v)
	return nil
}

func (bb *bytesBuilder) WriteString(s string) (int, error) {
	bb.Buf = append(bb.Buf, s...)
	return len(s), nil
}

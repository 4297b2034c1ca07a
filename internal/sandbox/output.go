package sandbox

import "bytes"

// minLogFileSize is the smallest json-file log a container is given.
const minLogFileSize int64 = 1 << 20

// logFileSize sizes a container's log file for a capture limit. The file
// holds both streams as JSON lines, so it gets generous headroom.
func logFileSize(maxOutput int) int64 {
	return max(minLogFileSize, 8*int64(maxOutput))
}

// cappedBuffer keeps the first limit bytes written to it and discards the
// rest. Writes always succeed so the copy feeding it drains its source.
// A limit of zero or less keeps everything.
type cappedBuffer struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit <= 0 {
		return c.buf.Write(p)
	}
	room := c.limit - c.buf.Len()
	switch {
	case room <= 0:
		c.dropped += int64(len(p))
	case len(p) > room:
		c.buf.Write(p[:room])
		c.dropped += int64(len(p) - room)
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) Len() int {
	return c.buf.Len()
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

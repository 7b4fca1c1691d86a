package httpframe

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// chunkedReader implements "chunked segment = hex-size [;extensions] CRLF
// body CRLF", terminated by a zero-size chunk followed by an optional
// trailer and a final CRLF.
type chunkedReader struct {
	r       *bufio.Reader
	remain  int64
	done    bool
	started bool
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	if c.remain == 0 {
		if c.started {
			// consume the CRLF that terminated the previous chunk's body
			if _, err := readCRLFLine(c.r); err != nil {
				return 0, err
			}
		}
		c.started = true
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailer(); err != nil {
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remain = size
	}

	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	n, err := c.r.Read(p)
	c.remain -= int64(n)
	return n, err
}

func (c *chunkedReader) readChunkSize() (int64, error) {
	line, err := readCRLFLine(c.r)
	if err != nil {
		return 0, err
	}
	sizeField := line
	if i := strings.IndexByte(line, ';'); i >= 0 {
		sizeField = line[:i]
	}
	sizeField = strings.TrimSpace(sizeField)
	size, err := strconv.ParseInt(sizeField, 16, 64)
	if err != nil || size < 0 {
		return 0, newParseError("chunk-size", []byte(line))
	}
	return size, nil
}

// readTrailer consumes zero or more trailer header lines up to and
// including the terminating bare CRLF.
func (c *chunkedReader) readTrailer() error {
	for {
		line, err := readCRLFLine(c.r)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
	}
}

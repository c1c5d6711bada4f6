package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

const maxFrameSize = 1 << 20 // 1 MB

var errFrameTooLarge = errors.New("event exceeds 1 MB")

// frame is one dispatched server-sent event. An oversized frame carries no
// data and is dropped by the caller; the stream itself stays usable.
type frame struct {
	event     string
	data      string
	oversized bool
}

// frameReader splits a text/event-stream body into frames. touch, if set,
// is called for every line read, comments included.
type frameReader struct {
	br    *bufio.Reader
	touch func()
}

func newFrameReader(r io.Reader, touch func()) *frameReader {
	return &frameReader{br: bufio.NewReaderSize(r, 4096), touch: touch}
}

// readLine returns the next line without its terminator. A line longer than
// maxFrameSize is consumed to its end and reported as tooLong.
func (fr *frameReader) readLine() (line string, tooLong bool, err error) {
	var buf []byte
	for {
		chunk, err := fr.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(chunk) > maxFrameSize+2 {
				tooLong, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		buf = bytes.TrimSuffix(buf, []byte("\n"))
		buf = bytes.TrimSuffix(buf, []byte("\r"))
		return string(buf), tooLong, nil
	}
}

// next blocks until a frame is complete. It returns io.EOF when the stream
// ends cleanly; a partial frame at EOF is discarded.
func (fr *frameReader) next() (frame, error) {
	var (
		f       frame
		data    []string
		size    int
		pending bool
	)
	for {
		line, tooLong, err := fr.readLine()
		if err != nil {
			return frame{}, err
		}
		if fr.touch != nil {
			fr.touch()
		}
		if tooLong {
			f.oversized, pending = true, true
			continue
		}

		if line == "" {
			if !pending {
				continue
			}
			if f.oversized {
				return frame{event: f.event, oversized: true}, nil
			}
			f.data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.event = value
			pending = true
		case "data":
			pending = true
			if f.oversized {
				break
			}
			size += len(value) + 1
			if size > maxFrameSize {
				f.oversized, data = true, nil
				break
			}
			data = append(data, value)
		}
		// id and retry are ignored; reconnect timing is decided locally.
	}
}

package rpc

import (
	"bytes"
	"io"
)

// Framer rebuilds newline-delimited messages from arbitrarily chunked input.
// It is not safe for concurrent use; each stream owns one Framer.
type Framer struct {
	buf []byte

	// OnMalformed is called with every complete line that fails to parse.
	// The line is dropped; framing of later lines is unaffected.
	OnMalformed func(line []byte, err error)
}

// Feed appends chunk to the accumulator and returns every complete message,
// in order. The trailing partial line stays buffered for the next call.
func (f *Framer) Feed(chunk []byte) []*Message {
	f.buf = append(f.buf, chunk...)
	var out []*Message
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		line := f.buf[:idx]
		f.buf = f.buf[idx+1:]
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			if f.OnMalformed != nil {
				f.OnMalformed(append([]byte(nil), line...), err)
			}
			continue
		}
		out = append(out, msg)
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return out
}

// Buffered returns the number of bytes waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// ReadMessages pumps r through the framer until EOF or a read error, calling
// deliver for each message. A clean EOF returns nil.
func (f *Framer) ReadMessages(r io.Reader, deliver func(*Message)) error {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, msg := range f.Feed(chunk[:n]) {
				deliver(msg)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

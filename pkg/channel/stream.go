package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/multiformats/go-varint"

	"github.com/dyluth/sapling/pkg/wire"
)

// Stream frames messages over a byte stream as an unsigned varint length
// followed by the encoded message.
type Stream struct {
	rwc   io.ReadWriteCloser
	codec wire.Codec

	wmu sync.Mutex
	w   *bufio.Writer

	pump *pump
	once sync.Once
}

// NewStream starts reading frames from rwc. The stream owns rwc and closes it
// on Close.
func NewStream(rwc io.ReadWriteCloser, codec wire.Codec) *Stream {
	s := &Stream{
		rwc:   rwc,
		codec: codec,
		w:     bufio.NewWriter(rwc),
	}
	r := bufio.NewReader(rwc)
	s.pump = startPump(func() ([]byte, error) {
		return readFrame(r)
	})
	return s
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, transportErr("read frame length", err)
	}
	if size > wire.MaxFrameSize {
		return nil, transportErr("read frame", fmt.Errorf("frame of %d bytes exceeds limit", size))
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, transportErr("read frame", err)
	}
	return frame, nil
}

func (s *Stream) Send(ctx context.Context, m *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := s.codec.Marshal(m)
	if err != nil {
		return transportErr("encode frame", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.Write(varint.ToUvarint(uint64(len(data)))); err != nil {
		return transportErr("write frame length", err)
	}
	if _, err := s.w.Write(data); err != nil {
		return transportErr("write frame", err)
	}
	if err := s.w.Flush(); err != nil {
		return transportErr("flush frame", err)
	}
	return nil
}

func (s *Stream) Receive(ctx context.Context) (*wire.Message, error) {
	frame, err := s.pump.next(ctx)
	if err != nil {
		return nil, err
	}
	return decode(s.codec, frame)
}

func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		s.pump.stop()
		err = s.rwc.Close()
	})
	return err
}

// stdio joins a reader and a writer into one stream endpoint.
type stdio struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (s stdio) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NewStdio frames messages over a separate reader and writer, such as a child
// process's stdout and stdin. Closing the stream closes both when they are
// io.Closers.
func NewStdio(r io.Reader, w io.Writer, codec wire.Codec) *Stream {
	rw := stdio{Reader: r, Writer: w}
	for _, v := range []any{r, w} {
		if c, ok := v.(io.Closer); ok {
			rw.closers = append(rw.closers, c)
		}
	}
	return NewStream(rw, codec)
}

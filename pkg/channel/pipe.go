package channel

import (
	"context"
	"sync"

	"github.com/dyluth/sapling/pkg/wire"
)

const pipeBuffer = 256

type pipeEnd struct {
	in     <-chan *wire.Message
	out    chan<- *wire.Message
	codec  wire.Codec
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns two connected in-memory channels. Messages are handed over by
// pointer; closing either end closes both.
func Pipe() (Channel, Channel) {
	return CodecPipe(nil)
}

// CodecPipe is Pipe with every message passed through codec, so both ends see
// exactly what a real transport would deliver.
func CodecPipe(codec wire.Codec) (Channel, Channel) {
	ab := make(chan *wire.Message, pipeBuffer)
	ba := make(chan *wire.Message, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, codec: codec, closed: closed, once: once}
	b := &pipeEnd{in: ab, out: ba, codec: codec, closed: closed, once: once}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, m *wire.Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	if p.codec != nil {
		data, err := p.codec.Marshal(m)
		if err != nil {
			return transportErr("encode frame", err)
		}
		if m, err = decode(p.codec, data); err != nil {
			return err
		}
	}

	select {
	case p.out <- m:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (*wire.Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	default:
	}
	select {
	case m := <-p.in:
		return m, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

package transport

import "sync"

const pipeBuffer = 128

type pipe struct {
	once sync.Once
	done chan struct{}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

type pipeEnd struct {
	p   *pipe
	in  chan []byte
	out chan []byte
}

// Pipe returns two connected in-process channels. Closing either end closes
// both; frames already sent are still delivered to Receive before it reports
// ErrClosed.
func Pipe() (Channel, Channel) {
	p := &pipe{done: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &pipeEnd{p: p, in: ba, out: ab}, &pipeEnd{p: p, in: ab, out: ba}
}

func (e *pipeEnd) Send(frame []byte) error {
	select {
	case <-e.p.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case e.out <- buf:
		return nil
	case <-e.p.done:
		return ErrClosed
	}
}

func (e *pipeEnd) Receive() ([]byte, error) {
	select {
	case frame := <-e.in:
		return frame, nil
	case <-e.p.done:
		select {
		case frame := <-e.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (e *pipeEnd) Close() error {
	e.p.close()
	return nil
}

func (e *pipeEnd) Done() <-chan struct{} {
	return e.p.done
}

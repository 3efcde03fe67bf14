package transport

import (
	"bufio"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrWriterClosed is returned for frames submitted after the writer stopped.
var ErrWriterClosed = errors.New("transport: frame writer closed")

// FrameWriter owns the write side of a connection. Senders on any goroutine enqueue
// complete frames; a single goroutine writes them in order, so frames never
// interleave on the stream.
type FrameWriter struct {
	w         *bufio.Writer
	out       chan []byte
	done      chan struct{}
	once      sync.Once
	draining  chan struct{}
	drainOnce sync.Once
	stopped   chan struct{}
	onError   func(error)
}

// NewFrameWriter starts the writer goroutine. onError is called once if a write fails;
// the writer stops afterwards.
func NewFrameWriter(w io.Writer, queueSize int, onError func(error)) *FrameWriter {
	if queueSize < 1 {
		queueSize = 1
	}
	fw := &FrameWriter{
		w:        bufio.NewWriterSize(w, 64*1024),
		out:      make(chan []byte, queueSize),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
		stopped:  make(chan struct{}),
		onError:  onError,
	}
	go fw.loop()
	return fw
}

// Write enqueues one frame. It only blocks while the queue is full.
func (fw *FrameWriter) Write(frame []byte) error {
	select {
	case <-fw.done:
		return ErrWriterClosed
	default:
	}
	select {
	case fw.out <- frame:
		return nil
	case <-fw.done:
		return ErrWriterClosed
	}
}

// Close stops the writer. Frames still queued are discarded.
func (fw *FrameWriter) Close() {
	fw.once.Do(func() { close(fw.done) })
}

// Drain writes the frames already queued, then stops the writer. It returns once the
// writer goroutine has exited.
func (fw *FrameWriter) Drain() {
	fw.drainOnce.Do(func() { close(fw.draining) })
	<-fw.stopped
}

func (fw *FrameWriter) loop() {
	defer close(fw.stopped)
	for {
		select {
		case <-fw.done:
			return
		case <-fw.draining:
			fw.writeQueued()
			fw.Close()
			return
		case frame := <-fw.out:
			if err := fw.write(frame); err != nil {
				fw.Close()
				if fw.onError != nil {
					fw.onError(err)
				}
				return
			}
		}
	}
}

func (fw *FrameWriter) writeQueued() {
	for {
		select {
		case frame := <-fw.out:
			if _, err := fw.w.Write(frame); err != nil {
				return
			}
		default:
			_ = fw.w.Flush()
			return
		}
	}
}

// write buffers frame and flushes once nothing else is queued.
func (fw *FrameWriter) write(frame []byte) error {
	if _, err := fw.w.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	if len(fw.out) > 0 {
		return nil
	}
	return errors.Wrap(fw.w.Flush(), "flush frames")
}

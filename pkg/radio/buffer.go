package radio

import "sync/atomic"

// Buffer carries ownership of a single received frame from the driver to
// an ingress callback. Exactly one of Deliver or Free must be called
// before the callback returns; calling neither leaks the underlying
// driver resource, calling both is a double-free. Both are therefore
// terminal: each panics if the buffer has already been consumed, turning
// "forgot to close the buffer" and "closed it twice" into test-detectable
// bugs rather than silent resource leaks or driver corruption.
type Buffer struct {
	frame    []byte
	consumed atomic.Bool
	deliver  func([]byte)
	free     func([]byte)
}

// NewBuffer wraps frame with the driver-supplied deliver/free callbacks.
// deliver is invoked by Deliver, free by Free; each is called at most
// once across the Buffer's lifetime.
func NewBuffer(frame []byte, deliver, free func([]byte)) Buffer {
	return Buffer{frame: frame, deliver: deliver, free: free}
}

// Frame returns the underlying frame bytes for inspection/rewriting.
// Valid until Deliver or Free is called.
func (b *Buffer) Frame() []byte {
	return b.frame
}

// Deliver transfers ownership of the frame to the host IP stack.
func (b *Buffer) Deliver() {
	if b.consumed.Swap(true) {
		panic("radio: Buffer consumed twice")
	}
	if b.deliver != nil {
		b.deliver(b.frame)
	}
}

// Free releases the frame back to the driver without delivering it.
func (b *Buffer) Free() {
	if b.consumed.Swap(true) {
		panic("radio: Buffer consumed twice")
	}
	if b.free != nil {
		b.free(b.frame)
	}
}

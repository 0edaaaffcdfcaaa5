package kfmt

import "io"

// ringBufferSize is the capacity of the buffer holding Printf output produced
// before an output sink is attached. It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each new byte evicts the oldest one and is accounted for in dropped.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// head is the index of the oldest unread byte and size the number of
	// unread bytes.
	head, size int

	dropped int
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.head+rb.size)&(ringBufferSize-1)] = b
		if rb.size == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
			rb.dropped++
			continue
		}
		rb.size++
	}

	return len(p), nil
}

// Read copies up to len(p) unread bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.size == 0 {
		return 0, io.EOF
	}

	n := copy(p, rb.contiguous())
	rb.consume(n)
	return n, nil
}

// WriteTo drains the buffer into w without an intermediate copy. It lets
// io.Copy flush the early output into the sink without allocating.
func (rb *ringBuffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for rb.size != 0 {
		n, err := w.Write(rb.contiguous())
		rb.consume(n)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// contiguous returns the unread bytes that precede the wrap-around point.
func (rb *ringBuffer) contiguous() []byte {
	end := rb.head + rb.size
	if end > ringBufferSize {
		end = ringBufferSize
	}
	return rb.buffer[rb.head:end]
}

func (rb *ringBuffer) consume(n int) {
	rb.head = (rb.head + n) & (ringBufferSize - 1)
	rb.size -= n
}

// Dropped returns the number of bytes evicted since the last call to Dropped
// and resets the counter.
func (rb *ringBuffer) Dropped() int {
	n := rb.dropped
	rb.dropped = 0
	return n
}

package kfmt

import "io"

// earlyLogSize is the capacity of the buffer that holds log output emitted
// before an output sink is attached, e.g. while the vmm and the region
// allocator are still being brought up. It must be a power of 2.
const earlyLogSize = 2048

// earlyLog is a fixed-size ring buffer. Once full, new writes overwrite the
// oldest bytes and the number of overwritten bytes is tracked so the loss can
// be reported when the log is drained.
type earlyLog struct {
	buffer [earlyLogSize]byte

	// start is the index of the oldest buffered byte and count the number
	// of buffered bytes.
	start, count int

	// dropped counts bytes overwritten since the last drain.
	dropped int
}

// Write appends p to the log. It never fails.
func (l *earlyLog) Write(p []byte) (int, error) {
	for _, b := range p {
		l.buffer[(l.start+l.count)&(earlyLogSize-1)] = b
		if l.count == earlyLogSize {
			l.start = (l.start + 1) & (earlyLogSize - 1)
			l.dropped++
			continue
		}
		l.count++
	}

	return len(p), nil
}

// Read moves up to len(p) of the oldest buffered bytes into p. It returns
// io.EOF once the log is empty.
func (l *earlyLog) Read(p []byte) (int, error) {
	if l.count == 0 {
		return 0, io.EOF
	}

	// Copy at most up to the physical end of the buffer; the caller picks
	// up the wrapped part with its next Read.
	n := earlyLogSize - l.start
	if n > l.count {
		n = l.count
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, l.buffer[l.start:l.start+n])
	l.start = (l.start + n) & (earlyLogSize - 1)
	l.count -= n
	return n, nil
}

// drainTo copies the buffered output to w and empties the log. It returns
// the number of bytes that were lost to overwrites.
func (l *earlyLog) drainTo(w io.Writer) int {
	_, _ = io.Copy(w, l)
	dropped := l.dropped
	l.start, l.count, l.dropped = 0, 0, 0
	return dropped
}

package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter tags every line written to it with the name of the kernel
// subsystem that produced it, e.g. "[vmm] ". Lines may be assembled from
// several writes; the tag is emitted once, before the first byte of each
// line.
type PrefixWriter struct {
	// Sink receives the tagged output.
	Sink io.Writer

	// Prefix is injected at the beginning of each line.
	Prefix []byte

	// midLine is set while the last byte forwarded to Sink was not a line
	// feed.
	midLine bool
}

// ModuleWriter returns a PrefixWriter that tags each line with "[module] "
// before forwarding it to the active output sink. The returned writer stays
// valid across calls to SetOutputSink, so subsystems can create it before the
// console is attached and their lines end up in the early log.
func ModuleWriter(module string) *PrefixWriter {
	return &PrefixWriter{
		Sink:   activeSink{},
		Prefix: []byte("[" + module + "] "),
	}
}

// Reset makes the next write start a new tagged line.
func (w *PrefixWriter) Reset() {
	w.midLine = false
}

// Write forwards p to Sink, tagging each line. The returned count excludes
// the injected prefixes.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		line := p
		if eol := bytes.IndexByte(p, '\n'); eol != -1 {
			line = p[:eol+1]
		}

		n, err := w.Sink.Write(line)
		written += n
		if err != nil {
			return written, err
		}

		w.midLine = line[len(line)-1] != '\n'
		p = p[len(line):]
	}

	return written, nil
}

package kfmt

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		writes []string
		exp    string
	}{
		{
			[]string{""},
			"",
		},
		{
			[]string{"\n"},
			"[vmm] \n",
		},
		{
			[]string{"paging enabled"},
			"[vmm] paging enabled",
		},
		{
			[]string{"mapped 0xc0000000\nmapped 0xc0001000\n"},
			"[vmm] mapped 0xc0000000\n[vmm] mapped 0xc0001000\n",
		},
		{
			// Fprintf emits a formatted line in several writes.
			[]string{"lazy sync of slot ", "768", "\n", "done\n"},
			"[vmm] lazy sync of slot 768\n[vmm] done\n",
		},
		{
			[]string{"\n\nlast"},
			"[vmm] \n[vmm] \n[vmm] last",
		},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		w := PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}

		for _, input := range spec.writes {
			wrote, err := w.Write([]byte(input))
			if err != nil {
				t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			}
			if wrote != len(input) {
				t.Errorf("[spec %d] expected writer to write %d bytes; wrote %d", specIndex, len(input), wrote)
			}
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterReset(t *testing.T) {
	var buf bytes.Buffer
	w := PrefixWriter{Sink: &buf, Prefix: []byte("[pmm] ")}

	w.Write([]byte("reserving frames"))
	w.Reset()
	w.Write([]byte("frames: 8192\n"))

	if exp, got := "[pmm] reserving frames[pmm] frames: 8192\n", buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("console detached")

	specs := []struct {
		sink       *failingSink
		expWritten int
	}{
		// Prefix write fails.
		{&failingSink{failAfter: 0, err: expErr}, 0},
		// First line is forwarded; the second prefix fails.
		{&failingSink{failAfter: 2, err: expErr}, len("region map\n")},
	}

	for specIndex, spec := range specs {
		w := PrefixWriter{Sink: spec.sink, Prefix: []byte("[region] ")}
		wrote, err := w.Write([]byte("region map\n[0xc0000000 - 0xc0100000)\n"))
		if err != expErr {
			t.Errorf("[spec %d] expected error: %v; got %v", specIndex, expErr, err)
		}
		if wrote != spec.expWritten {
			t.Errorf("[spec %d] expected %d bytes to be written; got %d", specIndex, spec.expWritten, wrote)
		}
	}
}

func TestModuleWriterBeforeSinkIsAttached(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(io.Discard)
	SetOutputSink(nil)

	w := ModuleWriter("region")
	Fprintf(w, "descriptor pool: %d\n", 16)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	Fprintf(w, "heap ready\n")

	if exp, got := "[region] descriptor pool: 16\n[region] heap ready\n", buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}

// failingSink accepts failAfter writes and then fails every write with err.
type failingSink struct {
	failAfter int
	err       error
}

func (s *failingSink) Write(p []byte) (int, error) {
	if s.failAfter == 0 {
		return 0, s.err
	}
	s.failAfter--
	return len(p), nil
}

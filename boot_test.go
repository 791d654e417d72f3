package main

import (
	"bytes"
	"os"
	"testing"

	"gopher32/kernel/kfmt"
	"gopher32/kernel/kmain"
)

func TestRunWorkload(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	k, kerr := kmain.Boot(kmain.DefaultConfig())
	if kerr != nil {
		t.Fatal(kerr)
	}
	defer k.Shutdown()

	file, cleanup, err := openBackingFile("")
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	// A successful run must return an untyped nil error.
	if err = runWorkload(k, file, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(file.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("GOPHER32")) {
		t.Fatalf("expected the committed write to reach the backing file; file starts with %q", data[:8])
	}
}

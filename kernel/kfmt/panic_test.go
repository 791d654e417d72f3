package kfmt

import (
	"bytes"
	"errors"
	"gopher32/kernel"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func(origHaltFn func(*kernel.Error)) {
		haltFn = origHaltFn
		SetOutputSink(nil)
	}(haltFn)

	var haltErr *kernel.Error
	haltFn = func(err *kernel.Error) {
		haltErr = err
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		descr     string
		input     interface{}
		expOutput string
		expHalt   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
			"panic test",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
			"go error",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
			"string error",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
			errKernelHalted.Message,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			buf.Reset()
			haltErr = nil

			Panic(spec.input)

			if got := buf.String(); got != spec.expOutput {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.expOutput, got)
			}

			if haltErr == nil {
				t.Fatal("expected the halt function to be called by Panic")
			}

			if haltErr.Message != spec.expHalt {
				t.Fatalf("expected halt error %q; got %q", spec.expHalt, haltErr.Message)
			}
		})
	}
}

func TestPanicDefaultHaltUnwinds(t *testing.T) {
	defer SetOutputSink(nil)
	SetOutputSink(&bytes.Buffer{})

	expErr := &kernel.Error{Module: "test", Message: "fatal"}
	defer func() {
		if err := recover(); err != expErr {
			t.Fatalf("expected Panic to unwind with %v; got %v", expErr, err)
		}
	}()

	Panic(expErr)
	t.Fatal("expected Panic not to return")
}

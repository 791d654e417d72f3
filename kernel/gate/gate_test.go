package gate

import (
	"bytes"
	"gopher32/kernel/kfmt"
	"strings"
	"testing"
)

func TestIDTDispatch(t *testing.T) {
	var (
		idt      IDT
		gotInfo  uint32
		gotCalls int
	)

	idt.HandleInterrupt(PageFaultException, func(regs *Registers) {
		gotCalls++
		gotInfo = regs.Info
	})

	idt.Dispatch(PageFaultException, &Registers{Info: 6})

	if gotCalls != 1 {
		t.Fatalf("expected handler to be called once; called %d times", gotCalls)
	}

	if exp := uint32(6); gotInfo != exp {
		t.Fatalf("expected handler to receive info %d; got %d", exp, gotInfo)
	}
}

func TestIDTDispatchUnhandled(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var (
		idt IDT
		buf bytes.Buffer
	)
	kfmt.SetOutputSink(&buf)

	idt.HandleInterrupt(GPFException, func(_ *Registers) {})
	idt.HandleInterrupt(GPFException, nil)

	defer func() {
		if err := recover(); err != errUnhandledException {
			t.Fatalf("expected a panic with errUnhandledException; got %v", err)
		}

		if got := buf.String(); !strings.Contains(got, "Unhandled exception 13") {
			t.Fatalf("expected output to mention the exception number; got:\n%q", got)
		}
	}()

	idt.Dispatch(GPFException, &Registers{})
}

func TestRegistersDumpTo(t *testing.T) {
	var (
		buf  bytes.Buffer
		regs = Registers{EAX: 1, EBX: 2, EIP: 0xc0100000, ESP: 0xbffff000}
	)

	regs.DumpTo(&buf)

	for _, exp := range []string{
		"EAX = 00000001 EBX = 00000002",
		"EIP = c0100000",
		"ESP = bffff000",
	} {
		if got := buf.String(); !strings.Contains(got, exp) {
			t.Errorf("expected dump to contain %q; got:\n%s", exp, got)
		}
	}
}

// Package gate routes CPU exceptions to the kernel handlers registered for
// them.
package gate

import (
	"io"

	"gopher32/kernel"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/sync"
)

// Registers contains a snapshot of the register values when an exception
// occurs.
type Registers struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32

	// Info contains the exception code pushed by the CPU (e.g. the page
	// fault error code) or the IRQ number for HW interrupts.
	Info uint32

	// The return frame used by IRET
	EIP    uint32
	CS     uint32
	EFlags uint32
	ESP    uint32
	SS     uint32
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Fprintf(w, "ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Fprintf(w, "ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Fprintf(w, "EBP = %8x\n", r.EBP)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "EIP = %8x CS  = %8x\n", r.EIP, r.CS)
	kfmt.Fprintf(w, "ESP = %8x SS  = %8x\n", r.ESP, r.SS)
	kfmt.Fprintf(w, "EFL = %8x\n", r.EFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory entry or page table
	// entry is not present or when a privilege and/or RW protection check
	// fails.
	PageFaultException = InterruptNumber(14)
)

// Handler is a function invoked when the exception it was registered for
// occurs. Handlers that return normally resume the interrupted access.
type Handler func(*Registers)

var errUnhandledException = &kernel.Error{Module: "gate", Message: "unhandled exception"}

// IDT is the table of exception handlers consulted by the CPU. The zero value
// has no handlers installed.
type IDT struct {
	lock     sync.Spinlock
	handlers [256]Handler
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Passing a nil handler removes any
// previously installed handler.
func (idt *IDT) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	idt.lock.Acquire()
	idt.handlers[intNumber] = handler
	idt.lock.Release()
}

// Dispatch routes an exception to its registered handler. Exceptions without
// a handler are unrecoverable.
func (idt *IDT) Dispatch(intNumber InterruptNumber, regs *Registers) {
	idt.lock.Acquire()
	handler := idt.handlers[intNumber]
	idt.lock.Release()

	if handler == nil {
		kfmt.Printf("\nUnhandled exception %d (code 0x%x)\n", uint8(intNumber), regs.Info)
		regs.DumpTo(kfmt.GetOutputSink())
		kfmt.Panic(errUnhandledException)
		return
	}

	handler(regs)
}

package kfmt

import "gopher32/kernel"

var (
	// haltFn is invoked by Panic once the panic banner has been printed. The
	// simulated machine has no halt instruction; the default implementation
	// unwinds the calling thread with the error that caused the halt so that
	// whoever drives the machine can observe it. Tests override it.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
	errKernelHalted = &kernel.Error{Module: "rt", Message: "system halted"}
)

// Panic outputs the supplied error (if not nil) to the active output sink and
// halts the machine. Calls to Panic never return unless the halt function has
// been replaced.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errKernelHalted
	}
	haltFn(err)
}

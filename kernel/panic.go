package kernel

import "github.com/Aaronyzb/oslab2/kernel/kfmt"

var (
	// haltFn is mocked by tests. The default implementation never returns:
	// it unwinds the calling goroutine with the error that caused the halt.
	haltFn = func(err *Error) {
		if err == nil {
			err = errRuntimePanic
		}
		panic(err)
	}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts.
// Calls to Panic never return. It is used for invariant violations where
// continuing would corrupt allocator metadata that lives inside managed
// memory.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		err = &Error{Module: "rt", Message: t}
	case error:
		err = &Error{Module: "rt", Message: t.Error()}
	}

	logger := kfmt.Logger()
	logger.Error().Msg("-----------------------------------")
	if err != nil {
		logger.Error().Msgf("[%s] unrecoverable error: %s", err.Module, err.Message)
	}
	logger.Error().Msg("*** kernel panic: system halted ***")

	haltFn(err)
}

// Assert halts with err when cond does not hold.
func Assert(cond bool, err *Error) {
	if !cond {
		Panic(err)
	}
}

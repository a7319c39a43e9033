package kernel

// Error describes a kernel error. Kernel errors are defined as package-level
// variables that are pointers to the Error structure so callers can compare
// them by identity and so that reporting an error never needs to allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed by the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}

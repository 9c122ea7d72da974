package codegen

import "errors"

// Sentinel errors for the recoverable failure modes of the backend.  Every
// failure is scoped to a single function: the pipeline discards that
// function's buffer and reports a diagnostic, other functions are
// unaffected.
var (
	// ErrInvalidInstruction marks an opcode/operand combination that
	// violates the arity contract.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrRegisterAllocation marks register exhaustion that spilling could
	// not resolve.
	ErrRegisterAllocation = errors.New("register allocation failed")

	// ErrLabelNotFound marks a reference to a label that was never defined.
	ErrLabelNotFound = errors.New("label not found")

	// ErrUnsupportedOperation marks an AST construct the backend does not
	// lower.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrABIViolation marks a calling-convention constraint that could not
	// be honored.
	ErrABIViolation = errors.New("calling convention violation")

	// ErrEmptyBuffer marks an attempt to emit a buffer with no
	// instructions.  Distinct from ErrLabelNotFound so callers can tell
	// "nothing generated" from "generated stream is inconsistent".
	ErrEmptyBuffer = errors.New("empty instruction buffer")
)

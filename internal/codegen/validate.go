package codegen

import "fmt"

// ValidateInstructions re-checks every instruction in the buffer against
// the arity contract.  The factory already enforced it at construction;
// this is the end-of-pipeline safety net run before emission, so a buggy
// optimization pass cannot ship a malformed stream.
func ValidateInstructions(buf *Buffer) error {
	for i, inst := range buf.Snapshot() {
		if err := inst.Validate(); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	return nil
}

// ValidateLabels checks that every jump target in the buffer resolves to a
// defined label.  Call targets may be external symbols and are skipped.
func ValidateLabels(buf *Buffer, labels *LabelManager) error {
	for i, inst := range buf.Snapshot() {
		if !inst.Op.IsJump() {
			continue
		}
		name := inst.Operands[0].Label
		if !labels.IsDefined(name) {
			return fmt.Errorf("instruction %d: %w: %q", i, ErrLabelNotFound, name)
		}
	}
	return nil
}

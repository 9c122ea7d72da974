package types

// ---------------------------------------------------------------------------
// TypeInfo — the boundary with the semantic analyzer
//
// The code generator does not perform type inference.  It consumes TypeInfo
// values attached to AST nodes by the (external) semantic analysis phase and
// queries them to select instruction families (integer vs. floating-point)
// and compute storage sizes.
// ---------------------------------------------------------------------------

// Category classifies a type at the coarsest level.
type Category int

const (
	CategoryPrimitive Category = iota
	CategorySlice
	CategoryPointer
	CategoryResult
	CategoryStruct
	CategoryEnum
)

func (c Category) String() string {
	switch c {
	case CategoryPrimitive:
		return "primitive"
	case CategorySlice:
		return "slice"
	case CategoryPointer:
		return "pointer"
	case CategoryResult:
		return "result"
	case CategoryStruct:
		return "struct"
	case CategoryEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// PrimitiveKind identifies a primitive type.
type PrimitiveKind int

const (
	PrimNone PrimitiveKind = iota
	PrimI8
	PrimI16
	PrimI32
	PrimI64
	PrimU8
	PrimU16
	PrimU32
	PrimU64
	PrimF32
	PrimF64
	PrimBool
	PrimString
	PrimVoid
)

// TypeInfo describes one resolved type.
type TypeInfo struct {
	Name string
	Cat  Category
	Prim PrimitiveKind // meaningful only when Cat == CategoryPrimitive
}

// Size returns the storage size of the type in bytes (pointers are 8 bytes;
// all targets in scope are 64-bit).
func (t *TypeInfo) Size() int {
	if t == nil {
		return 8
	}
	switch t.Cat {
	case CategoryPrimitive:
		switch t.Prim {
		case PrimI8, PrimU8, PrimBool:
			return 1
		case PrimI16, PrimU16:
			return 2
		case PrimI32, PrimU32, PrimF32:
			return 4
		case PrimVoid:
			return 0
		default:
			return 8
		}
	case CategorySlice:
		return 16 // ptr + len
	case CategoryResult, CategoryEnum:
		return 16 // tag + payload
	default:
		return 8
	}
}

// IsFloat reports whether the type selects floating-point instructions.
func (t *TypeInfo) IsFloat() bool {
	return t != nil && t.Cat == CategoryPrimitive &&
		(t.Prim == PrimF32 || t.Prim == PrimF64)
}

// IsInteger reports whether the type selects integer instructions.
func (t *TypeInfo) IsInteger() bool {
	if t == nil || t.Cat != CategoryPrimitive {
		return false
	}
	switch t.Prim {
	case PrimI8, PrimI16, PrimI32, PrimI64, PrimU8, PrimU16, PrimU32, PrimU64:
		return true
	}
	return false
}

// IsSigned reports whether an integer type is signed.
func (t *TypeInfo) IsSigned() bool {
	if t == nil || t.Cat != CategoryPrimitive {
		return false
	}
	switch t.Prim {
	case PrimI8, PrimI16, PrimI32, PrimI64:
		return true
	}
	return false
}

// IsVoid reports whether the type carries no value.
func (t *TypeInfo) IsVoid() bool {
	return t != nil && t.Cat == CategoryPrimitive && t.Prim == PrimVoid
}

// ---------------------------------------------------------------------------
// Predeclared types — shared instances for the common primitives
// ---------------------------------------------------------------------------

var (
	I8   = &TypeInfo{Name: "i8", Cat: CategoryPrimitive, Prim: PrimI8}
	I16  = &TypeInfo{Name: "i16", Cat: CategoryPrimitive, Prim: PrimI16}
	I32  = &TypeInfo{Name: "i32", Cat: CategoryPrimitive, Prim: PrimI32}
	I64  = &TypeInfo{Name: "i64", Cat: CategoryPrimitive, Prim: PrimI64}
	U8   = &TypeInfo{Name: "u8", Cat: CategoryPrimitive, Prim: PrimU8}
	U16  = &TypeInfo{Name: "u16", Cat: CategoryPrimitive, Prim: PrimU16}
	U32  = &TypeInfo{Name: "u32", Cat: CategoryPrimitive, Prim: PrimU32}
	U64  = &TypeInfo{Name: "u64", Cat: CategoryPrimitive, Prim: PrimU64}
	F32  = &TypeInfo{Name: "f32", Cat: CategoryPrimitive, Prim: PrimF32}
	F64  = &TypeInfo{Name: "f64", Cat: CategoryPrimitive, Prim: PrimF64}
	Bool = &TypeInfo{Name: "bool", Cat: CategoryPrimitive, Prim: PrimBool}
	Str  = &TypeInfo{Name: "string", Cat: CategoryPrimitive, Prim: PrimString}
	Void = &TypeInfo{Name: "void", Cat: CategoryPrimitive, Prim: PrimVoid}
)

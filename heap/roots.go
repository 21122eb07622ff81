package heap

// TypeKind tags one of the three canonical type descriptors every
// Package's type table ultimately points at.
type TypeKind uint64

const (
	KindUnit  TypeKind = 0
	KindBool  TypeKind = 1
	KindInt64 TypeKind = 2
)

// typeBlockSize is one word: the kind tag is the block's entire payload.
const typeBlockSize = WordSize

// Roots holds the three bootstrap Type descriptors (UNIT, BOOL, INT64)
// every Package's type table resolves to. They are allocated once, under
// the heap's GC lock, and live for the lifetime of the process.
type Roots struct {
	Unit  Address
	Bool  Address
	Int64 Address
}

// NewRoots allocates the three canonical Type blocks under h's GC lock
// and registers a root acceptor that keeps them alive for good, then
// releases the lock.
func NewRoots(h *Heap) (*Roots, error) {
	h.SetGCLock(true)
	defer h.SetGCLock(false)

	r := &Roots{}
	var err error
	if r.Unit, err = allocTypeBlock(h, KindUnit); err != nil {
		return nil, err
	}
	if r.Bool, err = allocTypeBlock(h, KindBool); err != nil {
		return nil, err
	}
	if r.Int64, err = allocTypeBlock(h, KindInt64); err != nil {
		return nil, err
	}

	h.RegisterRootAcceptor(r.accept)
	return r, nil
}

func allocTypeBlock(h *Heap, kind TypeKind) (Address, error) {
	addr, err := h.Allocate(typeBlockSize)
	if err != nil {
		return Null, err
	}
	if err := h.WriteWordAt(addr, 0, uint64(kind)); err != nil {
		return Null, err
	}
	return addr, nil
}

func (r *Roots) accept(visit func(Address)) {
	visit(r.Unit)
	visit(r.Bool)
	visit(r.Int64)
}

// Kind reads back the tag stored at a Type block's address, i.e. the
// first word of the block at addr. It does not check that addr is one of
// the blocks NewRoots handed back: the start of any other live block
// returns that block's first word, an address inside a block but past
// its first word gets a *BoundsCheckError, and an address outside the
// heap panics.
func (r *Roots) Kind(h *Heap, addr Address) (TypeKind, error) {
	v, err := h.ReadWordAt(addr, 0)
	if err != nil {
		return 0, err
	}
	return TypeKind(v), nil
}

// ByKind returns the canonical block address for a kind.
func (r *Roots) ByKind(kind TypeKind) Address {
	switch kind {
	case KindUnit:
		return r.Unit
	case KindBool:
		return r.Bool
	case KindInt64:
		return r.Int64
	default:
		return Null
	}
}

// Size returns the encoded byte size of a type kind.
func (kind TypeKind) Size() int {
	switch kind {
	case KindUnit:
		return 0
	case KindBool:
		return 1
	case KindInt64:
		return 8
	default:
		return 0
	}
}

// StackSlotSize returns ceil(size/WordSize), the number of stack words a
// value of this kind occupies.
func (kind TypeKind) StackSlotSize() int {
	size := kind.Size()
	return (size + WordSize - 1) / WordSize
}

func (kind TypeKind) String() string {
	switch kind {
	case KindUnit:
		return "unit"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	default:
		return "unknown"
	}
}


package region

type descriptorState uint8

const (
	stateUnused descriptorState = iota
	stateFree
	stateUsed
)

// descriptorPage holds the descriptor slots accounted for by one region of
// type DescriptorsType. addr is the start of that region.
type descriptorPage struct {
	addr  uintptr
	slots [descriptorsPerPage]descriptor
	next  *descriptorPage
}

// descriptor tracks a single region. Depending on its state it is linked
// into a different set of lists:
//  - unused: the descriptor pool (next only).
//  - free: the address-ordered free list (prev/next) and the size-ordered
//    free list (sizeNext/firstBigger).
//  - used: the address-ordered used list (prev/next).
type descriptor struct {
	state descriptorState

	addr uintptr
	size uintptr

	typ   string
	fault FaultHandler

	prev *descriptor
	next *descriptor

	// sizeNext links free descriptors in ascending size order.
	sizeNext *descriptor

	// firstBigger points to the first descriptor in the size list whose
	// size is strictly larger than this one. All descriptors in a run of
	// equal sizes share the same firstBigger value.
	firstBigger *descriptor
}

func (d *descriptor) end() uintptr {
	return d.addr + d.size
}

func (d *descriptor) info() Info {
	return Info{Addr: d.addr, Size: d.size, Type: d.typ, Fault: d.fault}
}

// reset clears every field apart from the state.
func (d *descriptor) reset(state descriptorState) {
	*d = descriptor{state: state}
}

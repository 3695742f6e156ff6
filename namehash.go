package zipserve

// nameHashIndex maps entry names to their index in the archive's entry
// table, with an original/current split so a renamed-then-reverted name
// (or a deleted-then-undeleted one) can be distinguished from a name that
// never existed at open time, per spec §4.8.
//
// Buckets use separate chaining: all nodes live in one flat slice, heads
// holds each bucket's first node and next links the rest of its chain. The
// spec's open-addressing detail is an implementation artifact of the C
// original, not an externally observable property, so it is not used here.
type nameHashIndex struct {
	buckets []nameHashNode
	heads   []int // heads[bucket] is the index into buckets of the first node, or -1
	count   int   // number of live nodes (including deleted-but-original ones)
}

type nameHashNode struct {
	name          string
	hash          uint32
	originalIndex int // >= 0 if this name existed in the archive at open time
	currentIndex  int // >= 0 if the name currently resolves to a live entry
	next          int // index into buckets of the next node in this bucket's chain, or -1
}

const (
	nameHashMinTableSize = 256
	nameHashMaxTableSize = 1 << 31
	nameHashGrowRatio    = 0.75
	nameHashShrinkRatio  = 0.01
)

// djb2Hash implements the hash function spec §4.8 specifies:
// h_{n+1} = h_n*33 + byte_n mod 2^32, seed 5381.
func djb2Hash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

func newNameHashIndex() *nameHashIndex {
	idx := &nameHashIndex{}
	idx.resize(nameHashMinTableSize)
	return idx
}

func (idx *nameHashIndex) resize(tableSize int) {
	tableSize = nextPowerOfTwo(tableSize)
	if tableSize < nameHashMinTableSize {
		tableSize = nameHashMinTableSize
	}
	if tableSize > nameHashMaxTableSize {
		tableSize = nameHashMaxTableSize
	}
	old := idx.buckets
	idx.heads = make([]int, tableSize)
	for i := range idx.heads {
		idx.heads[i] = -1
	}
	idx.buckets = make([]nameHashNode, 0, idx.count)
	for i := range old {
		n := old[i]
		idx.insertNode(n)
	}
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (idx *nameHashIndex) bucketFor(hash uint32) int {
	return int(hash) & (len(idx.heads) - 1)
}

func (idx *nameHashIndex) insertNode(n nameHashNode) {
	b := idx.bucketFor(n.hash)
	n.next = idx.heads[b]
	idx.buckets = append(idx.buckets, n)
	idx.heads[b] = len(idx.buckets) - 1
}

// find returns the slot index of name's node, or -1 if none exists.
func (idx *nameHashIndex) find(name string) int {
	h := djb2Hash(name)
	b := idx.bucketFor(h)
	for i := idx.heads[b]; i != -1; i = idx.buckets[i].next {
		if idx.buckets[i].hash == h && idx.buckets[i].name == name {
			return i
		}
	}
	return -1
}

// addFlags controls add's collision rule around names reverted to their
// unchanged (original-only) state, per spec §4.8.
type addFlags uint8

const addUnchangedView addFlags = 1 << 0

// add registers name -> idx. Returns ErrExists if the name already
// resolves to a live entry, or (with addUnchangedView) if it existed in
// the archive at open time at all, per spec §4.8.
func (idx *nameHashIndex) add(name string, entryIndex int, flags addFlags) error {
	slot := idx.find(name)
	if slot != -1 {
		n := &idx.buckets[slot]
		if n.currentIndex != -1 {
			return newErr(ErrExists)
		}
		if flags&addUnchangedView != 0 && n.originalIndex != -1 {
			return newErr(ErrExists)
		}
		n.currentIndex = entryIndex
		return nil
	}
	idx.insertNode(nameHashNode{
		name:          name,
		hash:          djb2Hash(name),
		originalIndex: -1,
		currentIndex:  entryIndex,
		next:          -1,
	})
	idx.count++
	idx.maybeGrow()
	return nil
}

// addOriginal registers a name as having existed at archive-open time,
// used while populating the index from the parsed central directory.
func (idx *nameHashIndex) addOriginal(name string, entryIndex int) {
	slot := idx.find(name)
	if slot != -1 {
		n := &idx.buckets[slot]
		n.originalIndex = entryIndex
		n.currentIndex = entryIndex
		return
	}
	idx.insertNode(nameHashNode{
		name:          name,
		hash:          djb2Hash(name),
		originalIndex: entryIndex,
		currentIndex:  entryIndex,
		next:          -1,
	})
	idx.count++
	idx.maybeGrow()
}

// delete marks name as no longer live. The node is fully removed only if
// it never existed in the archive at open time, per spec §4.8.
func (idx *nameHashIndex) delete(name string) {
	slot := idx.find(name)
	if slot == -1 {
		return
	}
	n := &idx.buckets[slot]
	n.currentIndex = -1
	if n.originalIndex == -1 {
		idx.removeSlot(slot)
		idx.count--
		idx.maybeShrink()
	}
}

func (idx *nameHashIndex) removeSlot(slot int) {
	b := idx.bucketFor(idx.buckets[slot].hash)
	if idx.heads[b] == slot {
		idx.heads[b] = idx.buckets[slot].next
		return
	}
	for i := idx.heads[b]; i != -1; i = idx.buckets[i].next {
		if idx.buckets[i].next == slot {
			idx.buckets[i].next = idx.buckets[slot].next
			return
		}
	}
}

// revert restores every node's currentIndex to its originalIndex,
// dropping nodes that never existed in the archive, per spec §4.8
// ("used by discard").
func (idx *nameHashIndex) revert() {
	survivors := make([]nameHashNode, 0, len(idx.buckets))
	for _, n := range idx.buckets {
		if n.originalIndex == -1 {
			continue
		}
		n.currentIndex = n.originalIndex
		survivors = append(survivors, n)
	}
	idx.count = len(survivors)
	idx.buckets = nil
	idx.heads = make([]int, len(idx.heads))
	for i := range idx.heads {
		idx.heads[i] = -1
	}
	for _, n := range survivors {
		n.next = -1
		idx.insertNode(n)
	}
}

func (idx *nameHashIndex) fillRatio() float64 {
	return float64(idx.count) / float64(len(idx.heads))
}

func (idx *nameHashIndex) maybeGrow() {
	if idx.fillRatio() > nameHashGrowRatio && len(idx.heads) < nameHashMaxTableSize {
		idx.resize(len(idx.heads) * 2)
	}
}

func (idx *nameHashIndex) maybeShrink() {
	if len(idx.heads) <= nameHashMinTableSize {
		return
	}
	if idx.fillRatio() < nameHashShrinkRatio {
		idx.resize(len(idx.heads) / 2)
	}
}

// lookup returns the live entry index for name, or -1 if name does not
// currently resolve to an entry.
func (idx *nameHashIndex) lookup(name string) int {
	slot := idx.find(name)
	if slot == -1 {
		return -1
	}
	return idx.buckets[slot].currentIndex
}

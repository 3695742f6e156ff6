package zipserve

import "bytes"

// extraScope identifies where an extra-field record applies.
type extraScope int

const (
	scopeLocal extraScope = 1 << iota
	scopeCentral
)

const scopeBoth = scopeLocal | scopeCentral

// Internal extra-field IDs: these are authoritative archive state (parsed
// into the dirent) and MUST be stripped before the extra-field list is
// exposed to callers, then re-synthesized at write time, per spec §3/§4.6.
const (
	efZip64ID    uint16 = 0x0001
	efUnixUTF8ID uint16 = 0x6375 // comment
	efInfoZipUTF8NameID uint16 = 0x7075 // filename
	efWinZipAESID uint16 = 0x9901
)

func isInternalExtraID(id uint16) bool {
	switch id {
	case efZip64ID, efUnixUTF8ID, efInfoZipUTF8NameID, efWinZipAESID:
		return true
	default:
		return false
	}
}

// extraRecord is one (id, scope, data) entry.
type extraRecord struct {
	id    uint16
	scope extraScope
	data  []byte
}

// extraFieldList is the ordered list of extra-field records described in
// spec §4.5.
type extraFieldList struct {
	records []extraRecord
}

// parseExtraField parses raw bytes laid out as
// [id_u16, len_u16, data[len]]..., tolerating up to 3 trailing zero bytes
// (Android APK zero-padding).
func parseExtraField(raw []byte, scope extraScope) (extraFieldList, error) {
	var list extraFieldList
	b := newBuffer(raw)
	for b.remaining() > 0 {
		if b.remaining() < 4 {
			if isZeroPadding(b.data[b.off:]) {
				break
			}
			return list, inconsErr(-1, InconsEFTrailingGarbage)
		}
		id := b.getU16()
		size := int(b.getU16())
		if size > b.remaining() {
			return list, inconsErr(-1, InconsInvalidEFLength)
		}
		data := append([]byte(nil), b.get(size)...)
		list.records = append(list.records, extraRecord{id: id, scope: scope, data: data})
	}
	return list, nil
}

func isZeroPadding(rest []byte) bool {
	if len(rest) > 3 {
		return false
	}
	for _, b := range rest {
		if b != 0 {
			return false
		}
	}
	return true
}

// find returns the first record with the given id visible in scope, and ok.
func (l extraFieldList) find(id uint16, scope extraScope) (extraRecord, bool) {
	for _, r := range l.records {
		if r.id == id && r.scope&scope != 0 {
			return r, true
		}
	}
	return extraRecord{}, false
}

// findAll returns every record with the given id.
func (l extraFieldList) findAll(id uint16) []extraRecord {
	var out []extraRecord
	for _, r := range l.records {
		if r.id == id {
			out = append(out, r)
		}
	}
	return out
}

// withoutInternal returns a copy of the list with internal IDs (§3) removed.
func (l extraFieldList) withoutInternal() extraFieldList {
	var out extraFieldList
	for _, r := range l.records {
		if !isInternalExtraID(r.id) {
			out.records = append(out.records, r)
		}
	}
	return out
}

// merge folds other into l, deduplicating records with identical
// (id, size, bytes) by OR-ing their scopes.
func (l extraFieldList) merge(other extraFieldList) extraFieldList {
	out := extraFieldList{records: append([]extraRecord(nil), l.records...)}
	for _, r := range other.records {
		merged := false
		for i := range out.records {
			er := &out.records[i]
			if er.id == r.id && bytes.Equal(er.data, r.data) {
				er.scope |= r.scope
				merged = true
				break
			}
		}
		if !merged {
			out.records = append(out.records, r)
		}
	}
	return out
}

// sizeInScope is Σ(4+size) across records visible in scope.
func (l extraFieldList) sizeInScope(scope extraScope) int {
	n := 0
	for _, r := range l.records {
		if r.scope&scope != 0 {
			n += 4 + len(r.data)
		}
	}
	return n
}

// serialize writes every record visible in scope, in list order.
func (l extraFieldList) serialize(scope extraScope) []byte {
	out := make([]byte, 0, l.sizeInScope(scope))
	for _, r := range l.records {
		if r.scope&scope == 0 {
			continue
		}
		var hdr [4]byte
		b := buffer{data: hdr[:], ok: true}
		b.putU16(r.id)
		b.putU16(uint16(len(r.data)))
		out = append(out, hdr[:]...)
		out = append(out, r.data...)
	}
	return out
}

// set appends a record, replacing any existing record with the same id and
// scope (used when re-synthesizing internal fields at write time).
func (l *extraFieldList) set(id uint16, scope extraScope, data []byte) {
	for i := range l.records {
		if l.records[i].id == id && l.records[i].scope == scope {
			l.records[i].data = data
			return
		}
	}
	l.records = append(l.records, extraRecord{id: id, scope: scope, data: data})
}

func (l *extraFieldList) remove(id uint16) {
	out := l.records[:0]
	for _, r := range l.records {
		if r.id != id {
			out = append(out, r)
		}
	}
	l.records = out
}

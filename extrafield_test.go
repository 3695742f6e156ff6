package zipserve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtraFieldRoundTrip(t *testing.T) {
	raw := []byte{
		0x01, 0x00, 0x04, 0x00, 0xaa, 0xbb, 0xcc, 0xdd, // id 1, len 4
		0x75, 0x75, 0x02, 0x00, 0x01, 0x02, // id 0x7575, len 2
	}
	list, err := parseExtraField(raw, scopeCentral)
	require.NoError(t, err)
	require.Len(t, list.records, 2)

	r, ok := list.find(1, scopeCentral)
	require.True(t, ok)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, r.data)

	_, ok = list.find(1, scopeLocal)
	assert.False(t, ok)

	assert.Equal(t, raw, list.serialize(scopeCentral))
}

func TestParseExtraFieldTrailingZeroPadding(t *testing.T) {
	raw := []byte{0x01, 0x00, 0x02, 0x00, 0x11, 0x22, 0x00, 0x00}
	list, err := parseExtraField(raw, scopeLocal)
	require.NoError(t, err)
	require.Len(t, list.records, 1)
}

func TestParseExtraFieldTrailingGarbageErrors(t *testing.T) {
	raw := []byte{0x01, 0x00, 0x02, 0x00, 0x11, 0x22, 0x01, 0x02}
	_, err := parseExtraField(raw, scopeLocal)
	require.Error(t, err)
}

func TestParseExtraFieldInvalidLength(t *testing.T) {
	raw := []byte{0x01, 0x00, 0xff, 0xff}
	_, err := parseExtraField(raw, scopeLocal)
	require.Error(t, err)
}

func TestExtraFieldListWithoutInternal(t *testing.T) {
	list := extraFieldList{records: []extraRecord{
		{id: efZip64ID, scope: scopeBoth, data: []byte{1}},
		{id: 0x5455, scope: scopeBoth, data: []byte{2}},
	}}
	out := list.withoutInternal()
	require.Len(t, out.records, 1)
	assert.Equal(t, uint16(0x5455), out.records[0].id)
}

func TestExtraFieldListMergeDeduplicates(t *testing.T) {
	a := extraFieldList{records: []extraRecord{{id: 1, scope: scopeLocal, data: []byte{9}}}}
	b := extraFieldList{records: []extraRecord{{id: 1, scope: scopeCentral, data: []byte{9}}}}
	merged := a.merge(b)
	require.Len(t, merged.records, 1)
	assert.Equal(t, scopeBoth, merged.records[0].scope)
}

func TestExtraFieldListMergeAppendsDistinct(t *testing.T) {
	a := extraFieldList{records: []extraRecord{{id: 1, scope: scopeLocal, data: []byte{9}}}}
	b := extraFieldList{records: []extraRecord{{id: 2, scope: scopeLocal, data: []byte{8}}}}
	merged := a.merge(b)
	assert.Len(t, merged.records, 2)
}

func TestExtraFieldListSetReplacesExisting(t *testing.T) {
	var list extraFieldList
	list.set(efZip64ID, scopeLocal, []byte{1, 2, 3})
	list.set(efZip64ID, scopeLocal, []byte{4, 5})
	require.Len(t, list.records, 1)
	assert.Equal(t, []byte{4, 5}, list.records[0].data)
}

func TestExtraFieldListRemove(t *testing.T) {
	list := extraFieldList{records: []extraRecord{
		{id: efZip64ID, scope: scopeLocal, data: []byte{1}},
		{id: 2, scope: scopeLocal, data: []byte{2}},
	}}
	list.remove(efZip64ID)
	require.Len(t, list.records, 1)
	assert.Equal(t, uint16(2), list.records[0].id)
}

func TestIsInternalExtraID(t *testing.T) {
	assert.True(t, isInternalExtraID(efZip64ID))
	assert.True(t, isInternalExtraID(efWinZipAESID))
	assert.False(t, isInternalExtraID(0x5455))
}

package store

import (
	"encoding/binary"
	"time"
)

// Key spaces. Each prefix byte starts a distinct lexicographic region:
//
//	d {account:8} {collection:1} {id:8}                    -> document record
//	i {account:8} {collection:1} {field:1} {value} 00 {id:8} -> index entry
//	f {account:8} {collection:1} {term} 00 {id:8} {pos:4}  -> full-text posting
//	c {account:8} {seq:8}                                  -> change record
//	n {account:8} {collection:1}                           -> next document id
//	s {account:8}                                          -> last change sequence
//	u {account:8}                                          -> account usage bytes
//	b {hash}                                               -> blob reference count
//	z {hash}                                               -> blob zero-reference marker
//	m {name}                                               -> store metadata
//
// Document ids are fixed-width big-endian suffixes, which yields the
// ascending-id tie-break for equal index values for free.
const (
	ksDocument = 'd'
	ksIndex    = 'i'
	ksFTS      = 'f'
	ksChange   = 'c'
	ksNextID   = 'n'
	ksSequence = 's'
	ksUsage    = 'u'
	ksBlobRef  = 'b'
	ksBlobZero = 'z'
	ksMeta     = 'm'
)

func appendUint64(b []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(b, v)
}

func docKey(account uint64, collection uint8, id uint64) []byte {
	k := make([]byte, 0, 18)
	k = append(k, ksDocument)
	k = appendUint64(k, account)
	k = append(k, collection)
	return appendUint64(k, id)
}

func docPrefix(account uint64, collection uint8) []byte {
	k := make([]byte, 0, 10)
	k = append(k, ksDocument)
	k = appendUint64(k, account)
	return append(k, collection)
}

func indexKey(account uint64, collection, field uint8, value []byte, id uint64) []byte {
	k := make([]byte, 0, 20+len(value))
	k = append(k, ksIndex)
	k = appendUint64(k, account)
	k = append(k, collection, field)
	k = append(k, value...)
	k = append(k, 0x00)
	return appendUint64(k, id)
}

func indexPrefix(account uint64, collection uint8) []byte {
	k := make([]byte, 0, 10)
	k = append(k, ksIndex)
	k = appendUint64(k, account)
	return append(k, collection)
}

func indexFieldPrefix(account uint64, collection, field uint8) []byte {
	return append(indexPrefix(account, collection), field)
}

func indexValuePrefix(account uint64, collection, field uint8, value []byte) []byte {
	k := append(indexFieldPrefix(account, collection, field), value...)
	return append(k, 0x00)
}

func ftsKey(account uint64, collection uint8, term string, id uint64, pos uint32) []byte {
	k := make([]byte, 0, 23+len(term))
	k = append(k, ksFTS)
	k = appendUint64(k, account)
	k = append(k, collection)
	k = append(k, term...)
	k = append(k, 0x00)
	k = appendUint64(k, id)
	return binary.BigEndian.AppendUint32(k, pos)
}

func ftsTermPrefix(account uint64, collection uint8, term string) []byte {
	k := make([]byte, 0, 11+len(term))
	k = append(k, ksFTS)
	k = appendUint64(k, account)
	k = append(k, collection)
	k = append(k, term...)
	return append(k, 0x00)
}

// ftsTermRangePrefix omits the terminator, matching every term with the
// given prefix.
func ftsTermRangePrefix(account uint64, collection uint8, term string) []byte {
	k := make([]byte, 0, 10+len(term))
	k = append(k, ksFTS)
	k = appendUint64(k, account)
	k = append(k, collection)
	return append(k, term...)
}

func changeKey(account, seq uint64) []byte {
	k := make([]byte, 0, 17)
	k = append(k, ksChange)
	k = appendUint64(k, account)
	return appendUint64(k, seq)
}

func changePrefix(account uint64) []byte {
	k := make([]byte, 0, 9)
	k = append(k, ksChange)
	return appendUint64(k, account)
}

func nextIDKey(account uint64, collection uint8) []byte {
	k := make([]byte, 0, 10)
	k = append(k, ksNextID)
	k = appendUint64(k, account)
	return append(k, collection)
}

func sequenceKey(account uint64) []byte {
	k := make([]byte, 0, 9)
	k = append(k, ksSequence)
	return appendUint64(k, account)
}

func usageKey(account uint64) []byte {
	k := make([]byte, 0, 9)
	k = append(k, ksUsage)
	return appendUint64(k, account)
}

// BlobRefKey returns the reference count key for a content hash. Exported
// for the blob package, which shares the KV store for its bookkeeping.
func BlobRefKey(hash string) []byte {
	return append([]byte{ksBlobRef}, hash...)
}

// BlobZeroKey returns the zero-reference marker key for a content hash.
func BlobZeroKey(hash string) []byte {
	return append([]byte{ksBlobZero}, hash...)
}

// BlobZeroPrefix returns the prefix covering all zero-reference markers.
func BlobZeroPrefix() []byte {
	return []byte{ksBlobZero}
}

func metaKey(name string) []byte {
	return append([]byte{ksMeta}, name...)
}

// encodeIndexString escapes 0x00/0x01 so the 0x00 terminator in index keys
// always sorts before any continuation of a longer value, keeping prefix
// ordering intact.
func encodeIndexString(s string) []byte {
	out := make([]byte, 0, len(s)+1)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 0x00:
			out = append(out, 0x01, 0x01)
		case 0x01:
			out = append(out, 0x01, 0x02)
		default:
			out = append(out, s[i])
		}
	}
	return out
}

// encodeIndexInt biases the sign bit so big-endian byte order matches
// numeric order across negative and positive values.
func encodeIndexInt(v int64) []byte {
	return appendUint64(nil, uint64(v)^(1<<63))
}

func encodeIndexTime(t time.Time) []byte {
	return encodeIndexInt(t.UnixNano())
}

func encodeIndexBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func encodeUint64(v uint64) []byte {
	return appendUint64(nil, v)
}

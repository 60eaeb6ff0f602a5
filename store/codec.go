package store

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/ternmail/tern/consts"
)

// Document is a versioned typed record within a collection. Fields holds
// the declared schema fields plus any fields written by newer software;
// unknown fields survive a read-modify-write cycle untouched.
type Document struct {
	Collection string
	ID         uint64
	Version    uint64
	Fields     map[string]any
}

// docRecord is the stored representation. CBOR keeps the encoding compact
// and lets older readers skip fields they do not know.
type docRecord struct {
	Version uint64         `cbor:"v"`
	Fields  map[string]any `cbor:"f"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeDocument(version uint64, fields map[string]any) ([]byte, error) {
	data, err := encMode.Marshal(docRecord{Version: version, Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// decodeDocument decodes a stored record. A decode failure means the stored
// bytes violate the format invariant and is surfaced as corruption.
func decodeDocument(collection string, id uint64, data []byte) (*Document, error) {
	var rec docRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: undecodable document %s/%d: %v", consts.ErrCorruption, collection, id, err)
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	return &Document{
		Collection: collection,
		ID:         id,
		Version:    rec.Version,
		Fields:     rec.Fields,
	}, nil
}

type changeRecordValue struct {
	Collection uint8  `cbor:"c"`
	DocumentID uint64 `cbor:"d"`
	Kind       uint8  `cbor:"k"`
}

func encodeChangeRecord(collection uint8, id uint64, kind ChangeKind) ([]byte, error) {
	return encMode.Marshal(changeRecordValue{Collection: collection, DocumentID: id, Kind: uint8(kind)})
}

func decodeChangeRecord(data []byte) (changeRecordValue, error) {
	var rec changeRecordValue
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: undecodable change record: %v", consts.ErrCorruption, err)
	}
	return rec, nil
}

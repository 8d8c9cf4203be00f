// Package txn defines the transaction record persisted by the repository,
// its identity and the serializers that turn it into stored bytes.
package txn

import (
	"encoding/binary"
	"fmt"
	"time"
)

// InitialVersion is the version of a freshly created record.
const InitialVersion int64 = 1

// VersionFieldSize is the width of an encoded version field.
const VersionFieldSize = 8

// Record is one transaction's persisted state. The repository owns Version
// and LastUpdateTime; Payload is opaque coordinator state.
type Record struct {
	Xid            Xid
	Version        int64
	LastUpdateTime time.Time
	Payload        []byte
}

// NewRecord returns a record at InitialVersion.
func NewRecord(xid Xid, payload []byte) *Record {
	return &Record{Xid: xid, Version: InitialVersion, Payload: payload}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Payload != nil {
		out.Payload = append([]byte(nil), r.Payload...)
	}
	return &out
}

// Equal reports whether two records carry the same identity, version,
// timestamp and payload.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Xid == o.Xid &&
		r.Version == o.Version &&
		r.LastUpdateTime.Equal(o.LastUpdateTime) &&
		string(r.Payload) == string(o.Payload)
}

func (r *Record) String() string {
	return fmt.Sprintf("%s@v%d", r.Xid, r.Version)
}

// EncodeVersion returns the big-endian 8-byte field name for version.
func EncodeVersion(version int64) []byte {
	buf := make([]byte, VersionFieldSize)
	binary.BigEndian.PutUint64(buf, uint64(version))
	return buf
}

// DecodeVersion parses a field produced by EncodeVersion.
func DecodeVersion(field []byte) (int64, error) {
	if len(field) != VersionFieldSize {
		return 0, fmt.Errorf("txn: version field has %d bytes, want %d", len(field), VersionFieldSize)
	}
	return int64(binary.BigEndian.Uint64(field)), nil
}

package txn

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for ProtoSerializer.
const (
	protoGlobalID    protowire.Number = 1
	protoBranchID    protowire.Number = 2
	protoVersion     protowire.Number = 3
	protoUnixSeconds protowire.Number = 4
	protoNanos       protowire.Number = 5
	protoPayload     protowire.Number = 6
)

// ProtoSerializer stores records in protobuf wire format:
//
//	message Record {
//	  string global_id = 1;
//	  string branch_id = 2;
//	  int64  version = 3;
//	  sint64 unix_seconds = 4;
//	  int32  nanos = 5;
//	  bytes  payload = 6;
//	}
//
// A zero LastUpdateTime omits fields 4 and 5.
type ProtoSerializer struct{}

// Serialize implements Serializer.
func (ProtoSerializer) Serialize(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("txn: serialize nil record")
	}
	b := make([]byte, 0, 32+len(r.Xid.GlobalID)+len(r.Xid.BranchID)+len(r.Payload))
	b = protowire.AppendTag(b, protoGlobalID, protowire.BytesType)
	b = protowire.AppendString(b, r.Xid.GlobalID)
	if r.Xid.BranchID != "" {
		b = protowire.AppendTag(b, protoBranchID, protowire.BytesType)
		b = protowire.AppendString(b, r.Xid.BranchID)
	}
	b = protowire.AppendTag(b, protoVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Version))
	if !r.LastUpdateTime.IsZero() {
		b = protowire.AppendTag(b, protoUnixSeconds, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(r.LastUpdateTime.Unix()))
		b = protowire.AppendTag(b, protoNanos, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.LastUpdateTime.Nanosecond()))
	}
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, protoPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	return b, nil
}

// Deserialize implements Serializer. Unknown fields are skipped.
func (ProtoSerializer) Deserialize(data []byte) (*Record, error) {
	var (
		r       Record
		seconds int64
		nanos   int64
		hasTime bool
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == protoGlobalID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: global id: %v", ErrDecode, protowire.ParseError(m))
			}
			r.Xid.GlobalID, n = v, m
		case num == protoBranchID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: branch id: %v", ErrDecode, protowire.ParseError(m))
			}
			r.Xid.BranchID, n = v, m
		case num == protoVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrDecode, protowire.ParseError(m))
			}
			r.Version, n = int64(v), m
		case num == protoUnixSeconds && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: seconds: %v", ErrDecode, protowire.ParseError(m))
			}
			seconds, hasTime, n = protowire.DecodeZigZag(v), true, m
		case num == protoNanos && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: nanos: %v", ErrDecode, protowire.ParseError(m))
			}
			nanos, hasTime, n = int64(v), true, m
		case num == protoPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: payload: %v", ErrDecode, protowire.ParseError(m))
			}
			r.Payload, n = append([]byte(nil), v...), m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if err := r.Xid.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if hasTime {
		r.LastUpdateTime = time.Unix(seconds, nanos).UTC()
	}
	return &r, nil
}

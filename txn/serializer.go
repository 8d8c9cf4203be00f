package txn

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode wraps every failure to turn stored bytes back into a Record.
var ErrDecode = errors.New("txn: decode record")

// Serializer converts records to and from stored bytes. Deserialize must
// invert Serialize exactly.
type Serializer interface {
	Serialize(*Record) ([]byte, error)
	Deserialize([]byte) (*Record, error)
}

// JSONSerializer stores records as JSON. Payload is base64 encoded and the
// timestamp uses RFC 3339 with nanoseconds.
type JSONSerializer struct{}

type jsonRecord struct {
	Xid            string    `json:"xid"`
	Version        int64     `json:"version"`
	LastUpdateTime time.Time `json:"last_update_time"`
	Payload        []byte    `json:"payload,omitempty"`
}

// Serialize implements Serializer.
func (JSONSerializer) Serialize(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("txn: serialize nil record")
	}
	return json.Marshal(jsonRecord{
		Xid:            r.Xid.String(),
		Version:        r.Version,
		LastUpdateTime: r.LastUpdateTime,
		Payload:        r.Payload,
	})
}

// Deserialize implements Serializer.
func (JSONSerializer) Deserialize(data []byte) (*Record, error) {
	var jr jsonRecord
	if err := json.Unmarshal(data, &jr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	x, err := ParseXid(jr.Xid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &Record{Xid: x, Version: jr.Version, LastUpdateTime: jr.LastUpdateTime, Payload: jr.Payload}, nil
}

// SerializerByName resolves "json" or "proto".
func SerializerByName(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSONSerializer{}, nil
	case "proto", "protobuf":
		return ProtoSerializer{}, nil
	default:
		return nil, fmt.Errorf("txn: unknown serializer %q", name)
	}
}

package txn

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/kryptograf"
)

func sampleRecord() *Record {
	return &Record{
		Xid:            Xid{GlobalID: "tx-1", BranchID: "b7"},
		Version:        3,
		LastUpdateTime: time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC),
		Payload:        []byte{0x00, 0xff, '{', '}', 0x10},
	}
}

func TestVersionEncoding(t *testing.T) {
	field := EncodeVersion(1)
	if !bytes.Equal(field, []byte{0, 0, 0, 0, 0, 0, 0, 1}) {
		t.Fatalf("EncodeVersion(1) = %v", field)
	}
	if bytes.Compare(EncodeVersion(255), EncodeVersion(256)) >= 0 {
		t.Fatal("encoded versions must sort numerically")
	}
	v, err := DecodeVersion(EncodeVersion(1 << 40))
	if err != nil || v != 1<<40 {
		t.Fatalf("DecodeVersion = %d, %v", v, err)
	}
	if _, err := DecodeVersion([]byte{1, 2}); err == nil {
		t.Fatal("short field accepted")
	}
}

func TestXidStringAndParse(t *testing.T) {
	cases := []struct {
		in   Xid
		want string
	}{
		{Xid{GlobalID: "tx-1"}, "tx-1"},
		{Xid{GlobalID: "tx-1", BranchID: "b1"}, "tx-1:b1"},
		{Xid{GlobalID: "tx-1", BranchID: "b:1"}, "tx-1:b:1"},
	}
	for _, tc := range cases {
		if got := tc.in.String(); got != tc.want {
			t.Fatalf("String = %q, want %q", got, tc.want)
		}
		back, err := ParseXid(tc.want)
		if err != nil || back != tc.in {
			t.Fatalf("ParseXid(%q) = %+v, %v", tc.want, back, err)
		}
	}
	if _, err := ParseXid(""); !errors.Is(err, ErrInvalidXid) {
		t.Fatalf("expected invalid xid, got %v", err)
	}
	if err := (Xid{GlobalID: "a:b"}).Validate(); err == nil {
		t.Fatal("global id with ':' accepted")
	}
}

func TestNewXidUnique(t *testing.T) {
	a, b := NewXid(), NewXid()
	if a == b || a.Validate() != nil {
		t.Fatalf("NewXid produced %v and %v", a, b)
	}
}

func TestCloneIsDeep(t *testing.T) {
	r := sampleRecord()
	c := r.Clone()
	c.Payload[0] = 'x'
	if r.Payload[0] == 'x' {
		t.Fatal("clone shares payload")
	}
	if (*Record)(nil).Clone() != nil {
		t.Fatal("nil clone not nil")
	}
}

func serializers(t *testing.T) map[string]Serializer {
	t.Helper()
	root := kryptograf.MustGenerateRootKey()
	enc, err := NewEncryptedSerializer(ProtoSerializer{}, root, false)
	if err != nil {
		t.Fatalf("encrypted: %v", err)
	}
	encSnappy, err := NewEncryptedSerializer(JSONSerializer{}, root, true)
	if err != nil {
		t.Fatalf("encrypted snappy: %v", err)
	}
	return map[string]Serializer{
		"json":           JSONSerializer{},
		"proto":          ProtoSerializer{},
		"encrypted":      enc,
		"encrypted_json": encSnappy,
	}
}

func TestSerializerRoundTrip(t *testing.T) {
	records := []*Record{
		sampleRecord(),
		{Xid: Xid{GlobalID: "tx-2"}, Version: InitialVersion},
		{Xid: Xid{GlobalID: "tx-3"}, Version: 9, LastUpdateTime: time.Unix(-5, 7).UTC(), Payload: []byte(strings.Repeat("z", 4096))},
	}
	for name, ser := range serializers(t) {
		t.Run(name, func(t *testing.T) {
			for _, rec := range records {
				data, err := ser.Serialize(rec)
				if err != nil {
					t.Fatalf("serialize %s: %v", rec, err)
				}
				got, err := ser.Deserialize(data)
				if err != nil {
					t.Fatalf("deserialize %s: %v", rec, err)
				}
				if !got.Equal(rec) {
					t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
				}
			}
		})
	}
}

func TestDeserializeGarbage(t *testing.T) {
	for name, ser := range serializers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := ser.Deserialize([]byte{0xff, 0xff, 0xff}); !errors.Is(err, ErrDecode) {
				t.Fatalf("expected decode error, got %v", err)
			}
		})
	}
}

func TestEncryptedSerializerRejectsForeignKey(t *testing.T) {
	a, _ := NewEncryptedSerializer(JSONSerializer{}, kryptograf.MustGenerateRootKey(), false)
	b, _ := NewEncryptedSerializer(JSONSerializer{}, kryptograf.MustGenerateRootKey(), false)
	data, err := a.Serialize(sampleRecord())
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if bytes.Contains(data, sampleRecord().Payload) {
		t.Fatal("ciphertext contains plaintext payload")
	}
	if _, err := b.Deserialize(data); err == nil {
		t.Fatal("foreign root key decrypted record")
	}
}

func TestSerializerByName(t *testing.T) {
	if _, err := SerializerByName("proto"); err != nil {
		t.Fatalf("proto: %v", err)
	}
	if _, err := SerializerByName("xml"); err == nil {
		t.Fatal("unknown serializer accepted")
	}
}

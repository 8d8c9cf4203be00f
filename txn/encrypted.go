package txn

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// RecordKeyContext is the kryptograf context every record DEK is minted
// under.
const RecordKeyContext = "tccstore/record"

var envelopeMagic = []byte("TCCE1")

// EncryptedSerializer envelope-encrypts the output of Inner. Each record
// gets a fresh data key; the key descriptor travels in the envelope:
//
//	"TCCE1" | varint len | descriptor | ciphertext
type EncryptedSerializer struct {
	inner Serializer
	kg    kryptograf.Kryptograf
}

// NewEncryptedSerializer wraps inner. With snappy set, plaintext is
// compressed before encryption.
func NewEncryptedSerializer(inner Serializer, root keymgmt.RootKey, snappy bool) (*EncryptedSerializer, error) {
	if inner == nil {
		return nil, errors.New("txn: encrypted serializer requires an inner serializer")
	}
	if root == (keymgmt.RootKey{}) {
		return nil, errors.New("txn: encrypted serializer requires a root key")
	}
	kg := kryptograf.New(root)
	if snappy {
		kg = kg.WithSnappy()
	}
	return &EncryptedSerializer{inner: inner, kg: kg}, nil
}

// Serialize implements Serializer.
func (s *EncryptedSerializer) Serialize(r *Record) ([]byte, error) {
	plain, err := s.inner.Serialize(r)
	if err != nil {
		return nil, err
	}
	mat, err := s.kg.MintDEK([]byte(RecordKeyContext))
	if err != nil {
		return nil, fmt.Errorf("txn: mint record key: %w", err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("txn: marshal descriptor: %w", err)
	}
	var buf bytes.Buffer
	buf.Grow(len(envelopeMagic) + len(desc) + len(plain) + 64)
	buf.Write(envelopeMagic)
	buf.Write(protowire.AppendBytes(nil, desc))
	w, err := s.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, fmt.Errorf("txn: encrypt record: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		w.Close()
		return nil, fmt.Errorf("txn: encrypt record write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("txn: encrypt record close: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize implements Serializer.
func (s *EncryptedSerializer) Deserialize(data []byte) (*Record, error) {
	if !bytes.HasPrefix(data, envelopeMagic) {
		return nil, fmt.Errorf("%w: missing encryption envelope", ErrDecode)
	}
	rest := data[len(envelopeMagic):]
	descBytes, n := protowire.ConsumeBytes(rest)
	if n < 0 {
		return nil, fmt.Errorf("%w: descriptor: %v", ErrDecode, protowire.ParseError(n))
	}
	var desc keymgmt.Descriptor
	if err := desc.UnmarshalBinary(descBytes); err != nil {
		return nil, fmt.Errorf("%w: descriptor: %v", ErrDecode, err)
	}
	mat, err := s.kg.ReconstructDEK([]byte(RecordKeyContext), desc)
	if err != nil {
		return nil, fmt.Errorf("%w: reconstruct key: %v", ErrDecode, err)
	}
	defer mat.Zero()
	r, err := s.kg.DecryptReader(bytes.NewReader(rest[n:]), mat)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrDecode, err)
	}
	defer r.Close()
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrDecode, err)
	}
	return s.inner.Deserialize(plain)
}

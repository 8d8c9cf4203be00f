package storagecheck

import (
	"bytes"
	"fmt"

	"pkt.systems/tccstore"
	"pkt.systems/tccstore/internal/cryptoutil"
	"pkt.systems/tccstore/txn"
)

// verifyEncryption loads the root key and checks that a sealed probe
// record hides its payload and opens again.
func verifyEncryption(cfg tccstore.Config) error {
	root, err := cryptoutil.LoadRootKey(cfg.EncryptionKeyFile)
	if err != nil {
		return err
	}
	inner, err := txn.SerializerByName(cfg.Serializer)
	if err != nil {
		return err
	}
	ser, err := txn.NewEncryptedSerializer(inner, root, cfg.EncryptionSnappy)
	if err != nil {
		return err
	}
	payload := []byte("tccstore-encryption-probe")
	rec := txn.NewRecord(txn.NewXid(), payload)
	sealed, err := ser.Serialize(rec)
	if err != nil {
		return fmt.Errorf("seal probe: %w", err)
	}
	if bytes.Contains(sealed, payload) {
		return fmt.Errorf("sealed record contains plaintext payload")
	}
	opened, err := ser.Deserialize(sealed)
	if err != nil {
		return fmt.Errorf("open probe: %w", err)
	}
	if !opened.Equal(rec) {
		return fmt.Errorf("probe mismatch after decrypt")
	}
	return nil
}

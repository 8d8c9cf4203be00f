// Package tccstore persists versioned TCC (Try-Confirm-Cancel) transaction
// records in a hash key-value store and finds the ones a coordinator
// abandoned.
//
// Every transaction identity maps to one key, prefix + xid. Each version of
// the record lives in its own hash field named by the big-endian version
// number, and writes only ever use set-if-absent on that field. Two
// coordinators racing to advance the same record therefore collide on the
// same field and exactly one wins; the other gets repository.ErrConflict.
//
// # Opening a store
//
//	cfg := tccstore.Config{
//	    Store:        "redis://localhost:6379/0",
//	    CacheEnabled: true,
//	}
//	st, err := tccstore.Open(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer st.Close(context.Background())
//
//	repo := st.Repository()
//	rec := txn.NewRecord(txn.NewXid().Branch("payment"), payload)
//	if _, err := repo.Create(ctx, rec); err != nil { ... }
//	if _, err := repo.Update(ctx, rec); errors.Is(err, repository.ErrConflict) {
//	    // someone else advanced it first; reload and decide
//	}
//
// Redis (redis://, rediss://) is the primary store and must run with
// appendonly yes and appendfsync always. Object stores (mem://, disk://,
// s3://, aws://, azure://) are adapted to the same hash semantics with
// conditional create-only writes.
//
// # Recovery
//
// Store.NewSweeper periodically lists records whose LastUpdateTime is older
// than Config.SweepThreshold and hands each to a RecoveryHandler, which
// decides whether to confirm or cancel the stalled transaction.
//
// # Encryption
//
// When Config.EncryptionKeyFile names a kryptograf key file (see the
// keygen command), every record is sealed with a per-record data key
// before it reaches the store.
package tccstore

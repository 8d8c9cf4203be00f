// Package storagecheck exercises a configured store end to end and reports
// which guarantees hold.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"pkt.systems/tccstore"
	"pkt.systems/tccstore/hashkv/rediskv"
	"pkt.systems/tccstore/repository"
	"pkt.systems/tccstore/txn"
)

// ProbePrefix keeps probe records away from live transaction keys.
const ProbePrefix = "tccstore-verify:"

// Result captures the outcome of store verification checks.
type Result struct {
	Store       string
	Provider    string
	Endpoint    string
	Bucket      string
	Prefix      string
	Credentials tccstore.CredentialSummary
	Durability  string
	Checks      []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyStore opens cfg against a probe key prefix and runs the lifecycle
// checks. Options are passed through to tccstore.Open.
func VerifyStore(ctx context.Context, cfg tccstore.Config, opts ...tccstore.Option) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	result := describe(cfg)
	if cfg.EncryptionKeyFile != "" {
		result.Checks = append(result.Checks, CheckResult{Name: "encryption key", Err: verifyEncryption(cfg)})
	}
	cfg.KeyPrefix = ProbePrefix
	cfg.CacheEnabled = false
	opts = append(opts, tccstore.WithoutTelemetry())
	store, err := tccstore.Open(ctx, cfg, opts...)
	if err != nil {
		return result, fmt.Errorf("open store: %w", err)
	}
	defer store.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	run := func(name string, fn func(context.Context) error) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: fn(ctx)})
	}
	repo := store.Repository()
	id := txn.NewXid().Branch("probe")
	rec := txn.NewRecord(id, []byte(`{"probe":true}`))

	run("create", func(ctx context.Context) error {
		_, err := repo.Create(ctx, rec)
		return err
	})
	run("create conflict", func(ctx context.Context) error {
		dup := txn.NewRecord(id, nil)
		dup.Version = rec.Version
		_, err := repo.Create(ctx, dup)
		if !errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("duplicate create returned %v, want conflict", err)
		}
		return nil
	})
	run("find", func(ctx context.Context) error {
		got, found, err := repo.FindOne(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("probe record not found after create")
		}
		if !got.Equal(rec) {
			return fmt.Errorf("probe record mismatch: got %s want %s", got, rec)
		}
		return nil
	})
	run("update", func(ctx context.Context) error {
		stale := rec.Clone()
		if _, err := repo.Update(ctx, rec); err != nil {
			return err
		}
		if _, err := repo.Update(ctx, stale); !errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("stale update returned %v, want conflict", err)
		}
		return nil
	})
	run("scan", func(ctx context.Context) error {
		all, err := repo.FindAll(ctx)
		if err != nil {
			return err
		}
		for _, r := range all {
			if r.Xid == id {
				return nil
			}
		}
		return fmt.Errorf("probe record missing from scan")
	})
	run("delete", func(ctx context.Context) error {
		n, err := repo.Delete(ctx, rec)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("delete removed %d keys, want 1", n)
		}
		if n, err = repo.Delete(ctx, rec); err != nil || n != 0 {
			return fmt.Errorf("second delete returned (%d, %v), want (0, nil)", n, err)
		}
		return nil
	})
	if rs, ok := store.HashStore().(*rediskv.Store); ok {
		run("redis durability", func(ctx context.Context) error {
			d, err := rs.CheckDurability(ctx)
			if err != nil {
				return err
			}
			result.Durability = d.String()
			if !d.Safe() {
				return fmt.Errorf("%s; need appendonly=yes appendfsync=always", d)
			}
			return nil
		})
	}
	return result, nil
}

func describe(cfg tccstore.Config) Result {
	res := Result{Store: cfg.Store}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return res
	}
	switch u.Scheme {
	case "mem", "memory":
		res.Provider = "memory"
	case "redis", "rediss":
		res.Provider = "redis"
		res.Endpoint = u.Host
	case "disk":
		res.Provider = "disk"
		if dc, err := tccstore.BuildDiskConfig(cfg); err == nil {
			res.Prefix = dc.Root
		}
	case "s3":
		res.Provider = "s3-compatible"
		if sc, cred, err := tccstore.BuildGenericS3Config(cfg); err == nil {
			res.Endpoint, res.Bucket, res.Prefix, res.Credentials = sc.Endpoint, sc.Bucket, sc.Prefix, cred
		}
	case "aws":
		res.Provider = "aws"
		if ac, err := tccstore.BuildAWSConfig(cfg); err == nil {
			res.Endpoint, res.Bucket, res.Prefix = ac.Endpoint, ac.Bucket, ac.Prefix
			res.Credentials = tccstore.CredentialSummary{Source: "aws default chain"}
		}
	case "azure":
		res.Provider = "azure"
		if zc, err := tccstore.BuildAzureConfig(cfg); err == nil {
			res.Endpoint, res.Bucket, res.Prefix = zc.Endpoint, zc.Container, zc.Prefix
		}
	}
	return res
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/tccstore"
	"pkt.systems/tccstore/internal/payload"
	"pkt.systems/tccstore/repository"
	"pkt.systems/tccstore/txn"
)

type payloadFlags struct {
	inline   string
	file     string
	json     bool
	maxBytes string
}

func (p *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.inline, "payload", "", "inline payload")
	cmd.Flags().StringVar(&p.file, "payload-file", "", "read payload from file (- for stdin)")
	cmd.Flags().BoolVar(&p.json, "json", false, "validate and compact the payload as JSON")
	cmd.Flags().StringVar(&p.maxBytes, "payload-max", "4MiB", "maximum payload size")
}

func (p *payloadFlags) changed(cmd *cobra.Command) bool {
	return cmd.Flags().Changed("payload") || cmd.Flags().Changed("payload-file")
}

func (p *payloadFlags) load(cmd *cobra.Command) ([]byte, error) {
	limit, err := humanize.ParseBytes(p.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("parse payload-max: %w", err)
	}
	return payload.Load(p.inline, p.file, cmd.InOrStdin(), int64(limit), p.json)
}

// withStore opens the configured store, runs fn and closes the store.
func withStore(cmd *cobra.Command, logger pslog.Logger, fn func(context.Context, *tccstore.Store) error) error {
	st, err := openStore(cmd, logger, false)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())
	return fn(cmd.Context(), st)
}

func newCreateCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		xidStr string
		body   payloadFlags
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a transaction record at version 1",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(baseLogger, "cli.create")
			id := txn.NewXid()
			if xidStr != "" {
				var err error
				if id, err = txn.ParseXid(xidStr); err != nil {
					return err
				}
			}
			data, err := body.load(cmd)
			if err != nil {
				return err
			}
			return withStore(cmd, logger, func(ctx context.Context, st *tccstore.Store) error {
				rec := txn.NewRecord(id, data)
				if _, err := st.Repository().Create(ctx, rec); err != nil {
					if errors.Is(err, repository.ErrConflict) {
						return fmt.Errorf("record %s already exists", id)
					}
					return err
				}
				return writeRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVar(&xidStr, "xid", "", "transaction identity global[:branch] (default: generated)")
	body.register(cmd)
	return cmd
}

func newGetCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "get XID",
		Short: "Print the current version of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(baseLogger, "cli.get")
			id, err := txn.ParseXid(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, logger, func(ctx context.Context, st *tccstore.Store) error {
				rec, found, err := st.Repository().FindOne(ctx, id)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("record %s not found", id)
				}
				return writeRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newUpdateCommand(baseLogger pslog.Logger) *cobra.Command {
	var body payloadFlags
	cmd := &cobra.Command{
		Use:   "update XID",
		Short: "Advance a record to its next version",
		Long:  "update loads the current version, optionally replaces the payload and writes version+1. It fails if another writer advanced the record first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(baseLogger, "cli.update")
			id, err := txn.ParseXid(args[0])
			if err != nil {
				return err
			}
			var data []byte
			replace := body.changed(cmd)
			if replace {
				if data, err = body.load(cmd); err != nil {
					return err
				}
			}
			return withStore(cmd, logger, func(ctx context.Context, st *tccstore.Store) error {
				repo := st.Repository()
				rec, found, err := repo.FindOne(ctx, id)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("record %s not found", id)
				}
				if replace {
					rec.Payload = data
				}
				if _, err := repo.Update(ctx, rec); err != nil {
					if errors.Is(err, repository.ErrConflict) {
						return fmt.Errorf("record %s was advanced concurrently past version %d", id, rec.Version)
					}
					return err
				}
				return writeRecord(cmd.OutOrStdout(), rec)
			})
		},
	}
	body.register(cmd)
	return cmd
}

func newDeleteCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "delete XID",
		Aliases: []string{"rm"},
		Short:   "Delete every version of a record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(baseLogger, "cli.delete")
			id, err := txn.ParseXid(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, logger, func(ctx context.Context, st *tccstore.Store) error {
				n, err := st.Repository().Delete(ctx, &txn.Record{Xid: id})
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
				return err
			})
		},
	}
}

func newListCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		olderThan time.Duration
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List records, optionally only those idle longer than --older-than",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commandLogger(baseLogger, "cli.list")
			return withStore(cmd, logger, func(ctx context.Context, st *tccstore.Store) error {
				var (
					recs []*txn.Record
					err  error
				)
				if olderThan > 0 {
					recs, err = st.Repository().FindAllUnmodifiedSince(ctx, time.Now().Add(-olderThan))
				} else {
					recs, err = st.Repository().FindAll(ctx)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					for _, rec := range recs {
						if err := writeRecord(out, rec); err != nil {
							return err
						}
					}
					return nil
				}
				for _, rec := range recs {
					fmt.Fprintf(out, "%-40s v%-4d %-8s %s\n",
						rec.Xid, rec.Version, humanizeBytes(int64(len(rec.Payload))), humanize.Time(rec.LastUpdateTime))
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only records not updated within this duration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per record")
	return cmd
}

type recordView struct {
	Xid            string          `json:"xid"`
	Version        int64           `json:"version"`
	LastUpdateTime time.Time       `json:"last_update_time"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadText    string          `json:"payload_text,omitempty"`
	PayloadBytes   []byte          `json:"payload_bytes,omitempty"`
}

func viewOf(rec *txn.Record) recordView {
	v := recordView{Xid: rec.Xid.String(), Version: rec.Version, LastUpdateTime: rec.LastUpdateTime}
	switch {
	case len(rec.Payload) == 0:
	case json.Valid(rec.Payload):
		v.Payload = rec.Payload
	case utf8.Valid(rec.Payload):
		v.PayloadText = string(rec.Payload)
	default:
		v.PayloadBytes = rec.Payload
	}
	return v
}

func writeRecord(w io.Writer, rec *txn.Record) error {
	data, err := json.Marshal(viewOf(rec))
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

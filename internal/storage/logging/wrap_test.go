package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/internal/correlation"
	"pkt.systems/tccstore/internal/storage"
	"pkt.systems/tccstore/internal/storage/logging"
	"pkt.systems/tccstore/internal/storage/memory"
)

func TestWrapPassesThroughAndLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	b := logging.Wrap(memory.New(), logger, "storage.memory")
	ctx := correlation.With(context.Background(), "req-7")

	if _, err := b.PutObject(ctx, "a/1", strings.NewReader("x"), storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := b.PutObject(ctx, "a/1", strings.NewReader("y"), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	data, _, err := storage.ReadObject(ctx, b, "a/1")
	if err != nil || string(data) != "x" {
		t.Fatalf("read = %q, %v", data, err)
	}
	if err := b.DeleteObject(ctx, "a/1", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"storage.put_object.success", "storage.get_object.success", "storage.delete_object.success", "req-7"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

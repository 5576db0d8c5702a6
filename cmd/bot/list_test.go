package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func TestRenderRecords(t *testing.T) {
	t.Parallel()
	out := renderRecords([]storage.Record{
		{ID: "aa11bb22", DestinationID: 42, Content: strings.Repeat("x", 60), Kind: storage.KindOnce, FireAt: "2026-01-02 09:00", Status: storage.StatusPending},
		{ID: "cc33dd44", DestinationID: 7, Content: "weekly", Kind: storage.KindRecurring, CronExpr: "0 18 * * fri", Status: storage.StatusActive},
	})
	for _, want := range []string{"aa11bb22", "2026-01-02 09:00", "0 18 * * fri", "pending", "active", "DESTINATION"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, strings.Repeat("x", 41)) {
		t.Fatalf("content not truncated:\n%s", out)
	}
	if got := renderRecords(nil); !strings.Contains(got, "no schedules") {
		t.Fatalf("empty: %q", got)
	}
}

func TestRunListNeedsNoCredentials(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "")
	dir := t.TempDir()
	storePath := filepath.Join(dir, "s.json")
	st, err := storage.Open(storage.Config{Driver: "file", Path: storePath}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	rec := storage.Record{ID: "ee55ff66", DestinationID: 1, Content: "hi", Kind: storage.KindRecurring, CronExpr: "30 9 * * *", Status: storage.StatusActive}
	if err := st.Upsert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("storage:\n  path: "+filepath.ToSlash(storePath)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := runList(&buf, cfgPath); err != nil {
		t.Fatalf("runList: %v", err)
	}
	if !strings.Contains(buf.String(), "ee55ff66") {
		t.Fatalf("output:\n%s", buf.String())
	}
}

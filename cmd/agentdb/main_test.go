package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nuln/agentdb"
)

func TestParseParam(t *testing.T) {
	tests := []struct {
		arg  string
		want agentdb.Value
	}{
		{"int:42", agentdb.Int(42)},
		{"float:1.5", agentdb.Float(1.5)},
		{"bool:true", agentdb.Bool(true)},
		{"null:", agentdb.Null()},
		{"text:a:b", agentdb.Text("a:b")},
		{"blob:AAE=", agentdb.Blob([]byte{0, 1})},
		{"Alice", agentdb.Text("Alice")},
		{"user:1", agentdb.Text("user:1")},
	}
	for _, tt := range tests {
		got, err := parseParam(tt.arg)
		if err != nil {
			t.Errorf("parseParam(%q): %v", tt.arg, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseParam(%q) = %v, want %v", tt.arg, got, tt.want)
		}
	}

	for _, bad := range []string{"int:x", "bool:maybe", "blob:!!", "opaque:x"} {
		if _, err := parseParam(bad); err == nil {
			t.Errorf("parseParam(%q): expected error", bad)
		}
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_PutGetScan(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--type", "fs", "--path", dir}

	if _, err := run(t, append(base, "put", "user:1", "Alice")...); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := run(t, append(base, "put", "--kind", "int", "user:2", "42")...); err != nil {
		t.Fatalf("put int: %v", err)
	}

	out, err := run(t, append(base, "get", "user:2")...)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var e agentdb.Entry
	if err := json.Unmarshal([]byte(out), &e); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !e.Value.Equal(agentdb.Int(42)) {
		t.Errorf("get = %v, want int(42)", e.Value)
	}

	out, err = run(t, append(base, "scan", "user:")...)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("scan printed %d lines, want 2: %q", len(lines), out)
	}

	if _, err := run(t, append(base, "delete", "user:1")...); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, append(base, "get", "user:1")...); err == nil {
		t.Error("get after delete: expected error")
	}
}

func TestCLI_QueryUnsupported(t *testing.T) {
	_, err := run(t, "--type", "fs", "--path", t.TempDir(), "query", "SELECT 1")
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("query on fs: err = %v, want unsupported", err)
	}
}

func TestCLI_Query(t *testing.T) {
	out, err := run(t, "--type", "sqlite", "--path", t.TempDir(), "query", "SELECT ? AS n, ? AS s", "int:7", "text:x")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var row agentdb.Row
	if err := json.Unmarshal([]byte(out), &row); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if v, _ := row.Get("n"); !v.Equal(agentdb.Int(7)) {
		t.Errorf("n = %v, want int(7)", v)
	}
}

func TestCLI_Drivers(t *testing.T) {
	out, err := run(t, "drivers")
	if err != nil {
		t.Fatalf("drivers: %v", err)
	}
	if !strings.Contains(out, "sqlite\n") {
		t.Errorf("drivers output missing sqlite: %q", out)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"markovnet/internal/codec"
	"markovnet/internal/config"
	"markovnet/pkg/markovnet"
)

const copyGenomeHex = "0101002ad50000000001000001"

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Kind = "memory"
	cfg.Codec = codec.Options{InputLimit: 1, InputFloor: 1, OutputLimit: 1, OutputFloor: 1}

	var out bytes.Buffer
	a, err := newApp(cfg, &out)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close()
	})
	if err := a.client.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return a, &out
}

func execJSON(t *testing.T, a *app, out *bytes.Buffer, line string, v any) {
	t.Helper()
	out.Reset()
	if err := a.execLine(context.Background(), line); err != nil {
		t.Fatalf("%s: %v", line, err)
	}
	if err := json.Unmarshal(out.Bytes(), v); err != nil {
		t.Fatalf("%s: decode %q: %v", line, out.String(), err)
	}
}

func TestREPLGenomeLifecycle(t *testing.T) {
	a, out := newTestApp(t)

	var put struct {
		ID     string `json:"id"`
		Header struct {
			Gates int `json:"gates"`
			Nodes int `json:"nodes"`
		} `json:"header"`
	}
	execJSON(t, a, out, "genome put --id copy --hex "+copyGenomeHex, &put)
	if put.ID != "copy" || put.Header.Gates != 1 || put.Header.Nodes != 3 {
		t.Fatalf("unexpected put result: %+v", put)
	}

	var shown struct {
		Hex string `json:"hex"`
	}
	execJSON(t, a, out, "genome show --id copy", &shown)
	if shown.Hex != copyGenomeHex {
		t.Fatalf("unexpected genome bytes: %s", shown.Hex)
	}

	var listed []struct {
		ID   string `json:"id"`
		Size int    `json:"size"`
	}
	execJSON(t, a, out, "genome list", &listed)
	if len(listed) != 1 || listed[0].Size != len(copyGenomeHex)/2 {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	out.Reset()
	if err := a.execLine(context.Background(), "genome delete --id copy"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(out.String(), "deleted genome=copy") {
		t.Fatalf("unexpected delete output: %q", out.String())
	}
	if err := a.execLine(context.Background(), "genome show --id copy"); !errors.Is(err, markovnet.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestREPLRunAndParity(t *testing.T) {
	a, out := newTestApp(t)
	execJSON(t, a, out, "genome new --id g1 --inputs 2 --outputs 2 --hidden 2 --gates 6 --seed 4", &struct{}{})

	var summary struct {
		RunID   string      `json:"run_id"`
		Backend string      `json:"backend"`
		Ticks   int         `json:"ticks"`
		Outputs [][]float64 `json:"outputs"`
	}
	execJSON(t, a, out, "run --id g1 --ticks 12 --seed 5 --outputs", &summary)
	if summary.RunID == "" || summary.Backend != "host" || summary.Ticks != 12 || len(summary.Outputs) != 12 {
		t.Fatalf("unexpected run summary: %+v", summary)
	}

	var runs []markovnet.RunItem
	execJSON(t, a, out, "runs --id g1", &runs)
	if len(runs) != 1 || runs[0].RunID != summary.RunID {
		t.Fatalf("unexpected runs listing: %+v", runs)
	}

	var parity markovnet.ParitySummary
	execJSON(t, a, out, "parity --id g1 --ticks 50", &parity)
	if parity.Mismatches != 0 || parity.Ticks != 50 {
		t.Fatalf("unexpected parity summary: %+v", parity)
	}
}

func TestREPLGraphAndInspect(t *testing.T) {
	a, out := newTestApp(t)
	if err := a.execLine(context.Background(), "genome put --id copy --hex "+copyGenomeHex); err != nil {
		t.Fatalf("put: %v", err)
	}

	out.Reset()
	if err := a.execLine(context.Background(), "graph --id copy"); err != nil {
		t.Fatalf("graph: %v", err)
	}
	dot := out.String()
	if !strings.HasPrefix(dot, `digraph "copy" {`) || !strings.Contains(dot, "n0 -> n2;") || !strings.Contains(dot, "n2 -> n1;") {
		t.Fatalf("unexpected dot output:\n%s", dot)
	}

	var g struct {
		Vertices []json.RawMessage `json:"vertices"`
	}
	execJSON(t, a, out, "graph --id copy --view causal --format json", &g)
	if len(g.Vertices) != 3 {
		t.Fatalf("expected 3 causal vertices, got %d", len(g.Vertices))
	}
	if err := a.execLine(context.Background(), "graph --id copy --format svg"); err == nil {
		t.Fatal("expected unsupported format error")
	}

	out.Reset()
	if err := a.execLine(context.Background(), "inspect --id copy --json=false"); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	text := out.String()
	for _, want := range []string{"genome=copy nodes=3", "view=full vertices=3 edges=2", "node=2 kind=gate"} {
		if !strings.Contains(text, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, text)
		}
	}
}

func TestREPLControlLines(t *testing.T) {
	a, out := newTestApp(t)
	ctx := context.Background()

	tests := []struct {
		line    string
		wantErr string
	}{
		{line: ""},
		{line: "help"},
		{line: "serve", wantErr: "not available inside the repl"},
		{line: "dance", wantErr: "unknown command: dance"},
		{line: "genome", wantErr: "usage: markovctl genome"},
		{line: "genome show", wantErr: "requires --id"},
		{line: "genome put --hex zz", wantErr: "decode genome hex"},
		{line: "run --id g1 --ticks 0", wantErr: "ticks must be > 0"},
	}
	for _, tc := range tests {
		t.Run(tc.line, func(t *testing.T) {
			err := a.execLine(ctx, tc.line)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}

	for _, line := range []string{"quit", "exit"} {
		if err := a.execLine(ctx, line); !errors.Is(err, errQuit) {
			t.Fatalf("%s: expected quit, got %v", line, err)
		}
	}
	if !strings.Contains(out.String(), "commands: genome") {
		t.Fatalf("help output missing: %q", out.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	if err := run(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "missing command") {
		t.Fatalf("expected missing command error, got %v", err)
	}
	configPath := filepath.Join(t.TempDir(), "missing.yaml")
	if err := run(context.Background(), []string{"--config", configPath, "--store", "redis", "runs"}); err == nil {
		t.Fatal("expected invalid store error")
	}
	if err := run(context.Background(), []string{"--config", configPath, "--device", "fpga", "runs"}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected invalid device error, got %v", err)
	}
}

func TestInitWritesConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "markovnet.yaml")
	if err := run(context.Background(), []string{"--config", configPath, "init"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Kind != config.Default().Store.Kind {
		t.Fatalf("unexpected store kind: %s", cfg.Store.Kind)
	}
}

func TestFormatOutputs(t *testing.T) {
	if got := formatOutputs([]float64{1, 0, 0.5, 0}); got != "1010" {
		t.Fatalf("unexpected formatted outputs: %s", got)
	}
}

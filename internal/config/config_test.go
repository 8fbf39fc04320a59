package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"markovnet/internal/codec"
	"markovnet/internal/device"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markovnet.yaml")
	data := `codec:
  input_limit: 3
  input_floor: 2
  output_limit: 2
  output_floor: 1
  feedback_learning: true
device:
  kind: soft
  capacity: 4096
run:
  ticks: 25
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := codec.Options{InputLimit: 3, InputFloor: 2, OutputLimit: 2, OutputFloor: 1, FeedbackLearning: true}
	if cfg.Codec != want {
		t.Fatalf("unexpected codec options: %+v", cfg.Codec)
	}
	if cfg.Device.Kind != device.KindSoft || cfg.Device.Capacity != 4096 {
		t.Fatalf("unexpected device config: %+v", cfg.Device)
	}
	if cfg.Run.Ticks != 25 || cfg.Run.Seed != Default().Run.Seed {
		t.Fatalf("unexpected run config: %+v", cfg.Run)
	}
	if cfg.Store != Default().Store {
		t.Fatalf("unset store section should keep defaults: %+v", cfg.Store)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "bad-yaml", data: "codec: [", want: nil},
		{name: "bad-codec", data: "codec:\n  input_limit: 1\n  input_floor: 2\n", want: codec.ErrInvalidOptions},
		{name: "bad-device", data: "device:\n  kind: tpu\n", want: ErrInvalidConfig},
		{name: "bad-store", data: "store:\n  kind: redis\n", want: ErrInvalidConfig},
		{name: "sqlite-without-path", data: "store:\n  kind: sqlite\n  path: \"\"\n", want: ErrInvalidConfig},
		{name: "negative-ticks", data: "run:\n  ticks: -1\n", want: ErrInvalidConfig},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			if err := os.WriteFile(path, []byte(tc.data), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected load error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("load empty path: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatal("expected defaults for empty path")
	}

	cfg, err = LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load missing path: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Fatal("expected defaults for missing file")
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "markovnet.yaml")
	cfg := Default()
	cfg.Genome.Gates = 40
	cfg.Server.MaxTicks = 500
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded, cfg) {
		t.Fatalf("config changed on disk: got=%+v want=%+v", loaded, cfg)
	}

	if err := InitConfig(path); err != nil {
		t.Fatalf("init existing: %v", err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Genome.Gates != 40 {
		t.Fatal("InitConfig overwrote an existing file")
	}
}

func TestDeviceOpen(t *testing.T) {
	tests := []struct {
		kind     string
		wantName string
		wantErr  bool
	}{
		{kind: ""},
		{kind: DeviceHost},
		{kind: device.KindSoft, wantName: device.KindSoft},
		{kind: "bogus", wantErr: true},
	}
	for _, tc := range tests {
		t.Run("kind="+tc.kind, func(t *testing.T) {
			d, err := DeviceConfig{Kind: tc.kind}.Open()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected unsupported device error")
				}
				return
			}
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if tc.wantName == "" {
				if d != nil {
					t.Fatalf("expected host execution, got %s", d.Name())
				}
				return
			}
			if d == nil || d.Name() != tc.wantName {
				t.Fatalf("unexpected device: %v", d)
			}
		})
	}
}

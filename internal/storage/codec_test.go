package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"markovnet/internal/codec"
	"markovnet/internal/model"
)

func TestDecodeGenomeFixture(t *testing.T) {
	genome := decodeGenomeFixture(t, "genome_record_v1.json")
	if genome.ID != "genome-copy-1" {
		t.Fatalf("unexpected genome id: %s", genome.ID)
	}
	want := []byte{1, 1, 0, 42, 213, 0, 0, 0, 0, 1, 0, 0, 1}
	if !reflect.DeepEqual(genome.Bytes, want) {
		t.Fatalf("unexpected genome bytes: %v", genome.Bytes)
	}
	if genome.Options.InputLimit != 1 || genome.Options.OutputFloor != 1 {
		t.Fatalf("unexpected options: %+v", genome.Options)
	}
	if !genome.CreatedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected created at: %v", genome.CreatedAt)
	}
}

func TestDecodeRunFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("run_record_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	run, err := DecodeRun(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if run.ID != "run-copy-1" || run.GenomeID != "genome-copy-1" {
		t.Fatalf("unexpected run ids: %+v", run)
	}
	if run.Header.Footprint != 144 || run.Header.Gates != 1 {
		t.Fatalf("unexpected header: %+v", run.Header)
	}
	if !reflect.DeepEqual(run.Outputs, [][]float64{{0}, {1}, {0}}) {
		t.Fatalf("unexpected outputs: %v", run.Outputs)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	data, err := os.ReadFile(fixturePath("genome_record_v0.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if _, err := DecodeGenome(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}

	run, err := EncodeRun(model.RunRecord{ID: "r1"})
	if err != nil {
		t.Fatalf("encode run: %v", err)
	}
	if _, err := DecodeRun(run); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := DecodeGenome([]byte("{")); err == nil {
		t.Fatal("expected genome decode error")
	}
	if _, err := DecodeRun([]byte("[]")); err == nil {
		t.Fatal("expected run decode error")
	}
}

func TestGenomeEncodeDecodePreservesOptions(t *testing.T) {
	in := model.GenomeRecord{
		VersionedRecord: Versioned(),
		ID:              "g1",
		Bytes:           []byte{3, 2, 1, 0, 255},
		Options:         codec.Options{InputLimit: 6, InputFloor: 2, OutputLimit: 3, OutputFloor: 0, FeedbackLearning: true},
		CreatedAt:       time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
	data, err := EncodeGenome(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeGenome(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("record changed: got=%+v want=%+v", out, in)
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func decodeGenomeFixture(t *testing.T, name string) model.GenomeRecord {
	t.Helper()

	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	genome, err := DecodeGenome(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return genome
}

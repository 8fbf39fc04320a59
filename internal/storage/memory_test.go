package storage

import (
	"context"
	"testing"
	"time"

	"markovnet/internal/codec"
	"markovnet/internal/model"
)

func sampleGenome(id string) model.GenomeRecord {
	return model.GenomeRecord{
		VersionedRecord: Versioned(),
		ID:              id,
		Bytes:           []byte{1, 1, 0, 42, 213, 0, 0, 0, 0, 1, 0, 0, 1},
		Options:         codec.DefaultOptions(),
		CreatedAt:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func sampleRun(id, genomeID string, at time.Time) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: Versioned(),
		ID:              id,
		GenomeID:        genomeID,
		Backend:         "host",
		Seed:            3,
		Ticks:           2,
		Outputs:         [][]float64{{0}, {1}},
		CreatedAt:       at,
	}
}

func TestMemoryStoreGenomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	input := sampleGenome("g1")
	if err := store.SaveGenome(ctx, input); err != nil {
		t.Fatalf("save genome: %v", err)
	}
	input.Bytes[0] = 99

	output, ok, err := store.GetGenome(ctx, "g1")
	if err != nil {
		t.Fatalf("get genome: %v", err)
	}
	if !ok {
		t.Fatal("expected persisted genome")
	}
	if output.Bytes[0] != 1 {
		t.Fatalf("store aliased caller bytes: %v", output.Bytes)
	}

	if _, ok, err := store.GetGenome(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing genome, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	for _, id := range []string{"g2", "g1"} {
		if err := store.SaveGenome(ctx, sampleGenome(id)); err != nil {
			t.Fatalf("save genome: %v", err)
		}
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runs := []model.RunRecord{
		sampleRun("r2", "g1", base.Add(time.Second)),
		sampleRun("r1", "g1", base),
		sampleRun("r3", "g2", base),
	}
	for _, run := range runs {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}

	genomes, err := store.ListGenomes(ctx)
	if err != nil {
		t.Fatalf("list genomes: %v", err)
	}
	if len(genomes) != 2 || genomes[0].ID != "g1" || genomes[1].ID != "g2" {
		t.Fatalf("unexpected genome listing: %+v", genomes)
	}

	g1Runs, err := store.ListRuns(ctx, "g1")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(g1Runs) != 2 || g1Runs[0].ID != "r1" || g1Runs[1].ID != "r2" {
		t.Fatalf("unexpected run listing: %+v", g1Runs)
	}
	all, err := store.ListRuns(ctx, "")
	if err != nil {
		t.Fatalf("list all runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}

	if err := store.DeleteGenome(ctx, "g1"); err != nil {
		t.Fatalf("delete genome: %v", err)
	}
	if _, ok, _ := store.GetGenome(ctx, "g1"); ok {
		t.Fatal("genome should be deleted")
	}
	if _, ok, _ := store.GetRun(ctx, "r1"); ok {
		t.Fatal("runs of a deleted genome should be deleted")
	}
	if _, ok, _ := store.GetRun(ctx, "r3"); !ok {
		t.Fatal("unrelated run should survive")
	}
}

func TestMemoryStoreRequiresInit(t *testing.T) {
	store := NewMemoryStore()
	if err := store.SaveGenome(context.Background(), sampleGenome("g1")); err == nil {
		t.Fatal("expected error saving into an uninitialized store")
	}
}

package storage

import (
	"context"

	"markovnet/internal/model"
)

// Store persists genomes and the outputs of runs over them.
type Store interface {
	Init(ctx context.Context) error
	SaveGenome(ctx context.Context, genome model.GenomeRecord) error
	GetGenome(ctx context.Context, id string) (model.GenomeRecord, bool, error)
	ListGenomes(ctx context.Context) ([]model.GenomeRecord, error)
	DeleteGenome(ctx context.Context, id string) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context, genomeID string) ([]model.RunRecord, error)
}

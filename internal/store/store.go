package store

import (
	"context"
	"errors"

	"github.com/seantiz/forge/internal/model"
)

// ErrInvalidTransition is returned when finishing a run that is no longer running.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate statistics across every stored run.
type RunStats struct {
	Runs                int            `json:"runs"`
	RunsByStatus        map[string]int `json:"runs_by_status"`
	Samples             int            `json:"samples"`
	SamplesByStatus     map[string]int `json:"samples_by_status"`
	Suspensions         int            `json:"suspensions"`
	AvgSampleDurationMS float64        `json:"avg_sample_duration_ms"`
}

// Store defines the persistence operations for runs and their samples.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	FinishRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	InsertSamples(ctx context.Context, samples []model.SampleRecord) error
	ListSamples(ctx context.Context, runID string) ([]model.SampleRecord, error)
	GetSample(ctx context.Context, runID string, sampleID int) (*model.SampleRecord, error)
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}

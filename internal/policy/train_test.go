package policy

import (
	"context"
	"path/filepath"
	"testing"

	"UPAgent-Chain/internal/env"
	"UPAgent-Chain/internal/metrics"
)

type memorySink struct {
	episodes []EpisodeStats
}

func (m *memorySink) RecordEpisode(_ context.Context, stats EpisodeStats) error {
	m.episodes = append(m.episodes, stats)
	return nil
}

func TestTrainRunsEpisodesAndSavesArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.bin")
	environment := env.NewSimulation(metrics.DefaultBounds(), 20, 11)
	sink := &memorySink{}

	trainer := NewTrainer(environment, NewArtifact(10), Hyperparams{CheckpointEvery: 2}, path, sink)
	trainer.Seed(11)

	art, err := trainer.Train(context.Background(), 5)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if art.TrainedEpisodes != 5 {
		t.Fatalf("expected 5 trained episodes, got %d", art.TrainedEpisodes)
	}
	if len(sink.episodes) != 5 {
		t.Fatalf("expected 5 episode stats, got %d", len(sink.episodes))
	}
	for _, ep := range sink.episodes {
		if ep.Steps != 20 {
			t.Fatalf("episode %d ran %d steps, want 20", ep.Episode, ep.Steps)
		}
	}

	loaded, err := Load(path, 10)
	if err != nil {
		t.Fatalf("checkpoint unreadable: %v", err)
	}
	if loaded.TrainedEpisodes != 5 {
		t.Fatalf("saved artifact out of date: %d episodes", loaded.TrainedEpisodes)
	}
}

func TestTrainUpdatesValues(t *testing.T) {
	environment := env.NewSimulation(metrics.DefaultBounds(), 50, 23)
	trainer := NewTrainer(environment, NewArtifact(10), Hyperparams{}, "", nil)
	trainer.Seed(23)

	art, err := trainer.Train(context.Background(), 10)
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	changed := 0
	for _, v := range art.Values {
		if v != 0 {
			changed++
		}
	}
	if changed == 0 {
		t.Fatalf("training left the value table untouched")
	}
}

func TestTrainStopsOnCancelledContext(t *testing.T) {
	environment := env.NewSimulation(metrics.DefaultBounds(), 10, 5)
	trainer := NewTrainer(environment, NewArtifact(10), Hyperparams{}, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	art, err := trainer.Train(ctx, 100)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if art.TrainedEpisodes != 0 {
		t.Fatalf("cancelled run should not record episodes, got %d", art.TrainedEpisodes)
	}
}

func TestTrainerEpsilonDecays(t *testing.T) {
	environment := env.NewSimulation(metrics.DefaultBounds(), 30, 2)
	trainer := NewTrainer(environment, NewArtifact(10), Hyperparams{
		Epsilon: EpsilonSchedule{Start: 1.0, Floor: 0.05, Decay: 0.99},
	}, "", nil)
	trainer.Seed(2)

	if _, err := trainer.Train(context.Background(), 3); err != nil {
		t.Fatalf("train failed: %v", err)
	}
	eps := trainer.Epsilon()
	if eps >= 1.0 || eps < 0.05 {
		t.Fatalf("epsilon outside expected range: %v", eps)
	}
}

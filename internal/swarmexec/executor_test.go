package swarmexec

import (
	"context"
	"errors"
	"testing"

	"github.com/ngoclaw/swarmfabric/internal/decompose"
	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/ngoclaw/swarmfabric/internal/domain/tool"
	"github.com/ngoclaw/swarmfabric/internal/events"
	"github.com/ngoclaw/swarmfabric/internal/roster"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
)

// routedGenerator answers decompose.Generator.Generate by dispatching on
// the requested model name, so a single fake can stand in for the
// decomposer, the aggregator, and the worker pool in one test.
type routedGenerator struct {
	byModel map[string]func(req *entity.ChatRequest) (*entity.ChatResponse, error)
}

func (r *routedGenerator) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	fn, ok := r.byModel[req.Model]
	if !ok {
		return nil, errors.New("unrouted model: " + req.Model)
	}
	return fn(req)
}

func TestExecutor_Execute_LocalOnlyEndToEnd(t *testing.T) {
	gen := &routedGenerator{byModel: map[string]func(*entity.ChatRequest) (*entity.ChatResponse, error){
		"decompose-model": func(req *entity.ChatRequest) (*entity.ChatResponse, error) {
			return &entity.ChatResponse{Content: `["write the introduction", "fix the failing test"]`}, nil
		},
		"worker-model": func(req *entity.ChatRequest) (*entity.ChatResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			return &entity.ChatResponse{Content: "worked on: " + last.Content}, nil
		},
		"aggregate-model": func(req *entity.ChatRequest) (*entity.ChatResponse, error) {
			return &entity.ChatResponse{Content: "synthesized final report"}, nil
		},
	}}

	ros := roster.New()
	decomposer := decompose.NewDecomposer(gen, "decompose-model")
	aggregator := decompose.NewAggregator(gen, "aggregate-model")
	bus := events.NewBus(32)

	exec := New(Config{WorkerModel: "worker-model", APIConcurrency: 2, MaxWorkers: 4}, ros, decomposer, aggregator, gen, nil, nil, tool.NewInMemoryRegistry(), bus)

	output, err := exec.Execute(context.Background(), "ship the feature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output.Result != "synthesized final report" {
		t.Fatalf("unexpected result: %q", output.Result)
	}
	if output.Stats.Completed != 2 || output.Stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", output.Stats)
	}
}

func TestExecutor_Execute_FailsSwarmErrorWhenEveryWorkerFails(t *testing.T) {
	gen := &routedGenerator{byModel: map[string]func(*entity.ChatRequest) (*entity.ChatResponse, error){
		"decompose-model": func(req *entity.ChatRequest) (*entity.ChatResponse, error) {
			return &entity.ChatResponse{Content: `["do the one thing"]`}, nil
		},
		"worker-model": func(req *entity.ChatRequest) (*entity.ChatResponse, error) {
			return nil, errors.New("upstream exploded")
		},
	}}

	ros := roster.New()
	decomposer := decompose.NewDecomposer(gen, "decompose-model")
	aggregator := decompose.NewAggregator(gen, "aggregate-model")
	bus := events.NewBus(32)

	exec := New(Config{WorkerModel: "worker-model", Retries: 0}, ros, decomposer, aggregator, gen, nil, nil, tool.NewInMemoryRegistry(), bus)

	_, err := exec.Execute(context.Background(), "a doomed task")
	if err == nil {
		t.Fatal("expected SwarmError when every worker fails")
	}
	if _, ok := err.(*pkgerrors.SwarmError); !ok {
		t.Fatalf("expected *SwarmError, got %T: %v", err, err)
	}
}

func TestExecutor_InFlight_EmptyOutsideARun(t *testing.T) {
	ros := roster.New()
	gen := &routedGenerator{byModel: map[string]func(*entity.ChatRequest) (*entity.ChatResponse, error){}}
	decomposer := decompose.NewDecomposer(gen, "decompose-model")
	aggregator := decompose.NewAggregator(gen, "aggregate-model")
	exec := New(Config{WorkerModel: "worker-model"}, ros, decomposer, aggregator, gen, nil, nil, tool.NewInMemoryRegistry(), events.NewBus(8))

	if inFlight := exec.InFlight(); inFlight != nil {
		t.Fatalf("expected nil in-flight snapshot outside a run, got %+v", inFlight)
	}
}

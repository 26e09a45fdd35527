package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v3"
	"github.com/rs/zerolog/log"
)

// WASMLoader compiles policy modules from a directory.
type WASMLoader struct {
	engine *wasmtime.Engine
}

func NewWASMLoader() *WASMLoader {
	config := wasmtime.NewConfig()
	config.SetWasmMultiMemory(true)
	config.SetWasmThreads(false)

	return &WASMLoader{engine: wasmtime.NewEngineWithConfig(config)}
}

// LoadFromDir compiles every .wasm file in dir into an evaluator keyed by
// module name. Unloadable files are skipped with a warning.
func (l *WASMLoader) LoadFromDir(dir string) (map[string]*WASMEvaluator, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	evaluators := make(map[string]*WASMEvaluator)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".wasm") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		eval, err := l.loadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("failed to load policy module")
			continue
		}

		name := strings.ToLower(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		evaluators[name] = eval
	}

	if len(evaluators) == 0 {
		return nil, fmt.Errorf("no WASM policy modules found in %s", dir)
	}

	return evaluators, nil
}

func (l *WASMLoader) loadFile(path string) (*WASMEvaluator, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	module, err := wasmtime.NewModule(l.engine, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}

	return NewWASMEvaluator(l.engine, module)
}

// WASMEngine aggregates a directory of policy modules into one Evaluator.
// The strictest module decision wins: any deny denies, else any
// require_approval gates, else the action is allowed.
type WASMEngine struct {
	mu         sync.RWMutex
	loader     *WASMLoader
	dir        string
	evaluators map[string]*WASMEvaluator
}

func NewWASMEngine(dir string) (*WASMEngine, error) {
	engine := &WASMEngine{
		loader: NewWASMLoader(),
		dir:    dir,
	}
	if err := engine.Reload(); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}
	return engine, nil
}

// Reload recompiles the module directory and swaps the evaluator map.
func (e *WASMEngine) Reload() error {
	evaluators, err := e.loader.LoadFromDir(e.dir)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.evaluators = evaluators
	e.mu.Unlock()

	log.Info().Int("count", len(evaluators)).Msg("wasm policy modules loaded")
	return nil
}

func (e *WASMEngine) Evaluate(ctx context.Context, action ProposedAction) (Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.evaluators) == 0 {
		return Decision{Outcome: OutcomeDeny, Rationale: "no policy modules loaded"}, nil
	}

	strictest := Decision{Outcome: OutcomeAllow, Rationale: "all policy modules passed"}
	for name, eval := range e.evaluators {
		decision, err := eval.Evaluate(ctx, action)
		if err != nil {
			log.Warn().Err(err).Str("module", name).Msg("policy module evaluation failed")
			return Decision{
				Outcome:   OutcomeDeny,
				Rationale: fmt.Sprintf("policy module error: %s", name),
			}, nil
		}
		switch decision.Outcome {
		case OutcomeDeny:
			return decision, nil
		case OutcomeRequireApproval:
			strictest = decision
		}
	}
	return strictest, nil
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v3"
)

const (
	wasmFuel      = 10_000_000
	wasmOutputCap = 8192
)

// WASMEvaluator runs a single compiled policy module. Modules export
// `allocate` and `evaluate`; the action is passed in as JSON and the module
// writes a NUL-terminated Decision JSON into the output buffer.
//
// This is an alternative Evaluator strategy for deployments that ship policy
// logic as sandboxed WASM instead of declarative rules.
type WASMEvaluator struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
	memory   *wasmtime.Memory
	evaluate *wasmtime.Func
}

// NewWASMEvaluator instantiates a compiled module with bounded fuel.
func NewWASMEvaluator(engine *wasmtime.Engine, module *wasmtime.Module) (*WASMEvaluator, error) {
	store := wasmtime.NewStore(engine)
	store.AddFuel(wasmFuel)
	linker := wasmtime.NewLinker(engine)

	eval := &WASMEvaluator{store: store}

	if err := eval.defineHostFunctions(linker); err != nil {
		return nil, fmt.Errorf("define host functions: %w", err)
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	eval.instance = instance

	if err := eval.bindExports(); err != nil {
		return nil, err
	}

	return eval, nil
}

// Evaluate marshals the action into the module and decodes its decision.
func (e *WASMEvaluator) Evaluate(ctx context.Context, action ProposedAction) (Decision, error) {
	input, err := json.Marshal(action)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal action: %w", err)
	}

	output, err := e.callEvaluate(input)
	if err != nil {
		return Decision{}, err
	}

	var decision Decision
	if err := json.Unmarshal(output, &decision); err != nil {
		return Decision{}, fmt.Errorf("unmarshal decision: %w", err)
	}

	return decision, nil
}

func (e *WASMEvaluator) callEvaluate(input []byte) ([]byte, error) {
	inputPtr, err := e.allocate(len(input))
	if err != nil {
		return nil, fmt.Errorf("allocate input: %w", err)
	}
	if err := e.write(inputPtr, input); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	outputPtr, err := e.allocate(wasmOutputCap)
	if err != nil {
		return nil, fmt.Errorf("allocate output: %w", err)
	}

	result, err := e.evaluate.Call(e.store, inputPtr, len(input), outputPtr, wasmOutputCap)
	if err != nil {
		return nil, fmt.Errorf("call evaluate: %w", err)
	}
	if code, ok := result.(int32); !ok || code != 0 {
		return nil, fmt.Errorf("evaluation failed with code %v", result)
	}

	return e.read(outputPtr, wasmOutputCap), nil
}

func (e *WASMEvaluator) defineHostFunctions(linker *wasmtime.Linker) error {
	logType := wasmtime.NewFuncType(
		[]*wasmtime.ValType{
			wasmtime.NewValType(wasmtime.KindI32),
			wasmtime.NewValType(wasmtime.KindI32),
		},
		[]*wasmtime.ValType{},
	)
	return linker.FuncNew("env", "log", logType, e.hostLog)
}

func (e *WASMEvaluator) bindExports() error {
	memExport := e.instance.GetExport(e.store, "memory")
	if memExport == nil {
		return fmt.Errorf("memory export not found")
	}
	e.memory = memExport.Memory()

	evalExport := e.instance.GetExport(e.store, "evaluate")
	if evalExport == nil {
		return fmt.Errorf("evaluate export not found")
	}
	e.evaluate = evalExport.Func()

	return nil
}

func (e *WASMEvaluator) allocate(size int) (int32, error) {
	allocExport := e.instance.GetExport(e.store, "allocate")
	if allocExport == nil {
		return 0, fmt.Errorf("allocate export not found")
	}
	result, err := allocExport.Func().Call(e.store, size)
	if err != nil {
		return 0, err
	}
	return result.(int32), nil
}

func (e *WASMEvaluator) write(ptr int32, data []byte) error {
	mem := e.memory.UnsafeData(e.store)
	copy(mem[ptr:], data)
	return nil
}

func (e *WASMEvaluator) read(ptr int32, maxLen int) []byte {
	mem := e.memory.UnsafeData(e.store)
	end := ptr
	for i := 0; i < maxLen; i++ {
		if mem[ptr+int32(i)] == 0 {
			break
		}
		end++
	}
	return mem[ptr:end]
}

func (e *WASMEvaluator) hostLog(caller *wasmtime.Caller, args []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	msgPtr := args[0].I32()
	msgLen := args[1].I32()

	mem := caller.GetExport("memory").Memory().UnsafeData(caller)
	fmt.Printf("[policy-wasm] %s\n", string(mem[msgPtr:msgPtr+msgLen]))

	return []wasmtime.Val{}, nil
}

package staterun

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/partition"
)

// Env is what a state's business logic sees: verified inputs and the only
// sanctioned way to write outputs.
type Env struct {
	Segment string
	State   string
	Run     ir.RunContext

	// Receipt is the validated upstream gate receipt.
	Receipt *ir.GateReceipt

	dataRoot string
	inputs   map[string]string
	writer   *partition.Writer
	egress   map[string]string
}

// Input returns the verified on-disk path of a sealed input.
func (e *Env) Input(id string) (string, error) {
	p, ok := e.inputs[id]
	if !ok {
		return "", failure.New(failure.CodeAssetMissing, "sealed input %q not in inventory", id).
			With("asset_id", id)
	}
	return p, nil
}

// InputIDs lists the verified sealed inputs, sorted.
func (e *Env) InputIDs() []string {
	ids := make([]string, 0, len(e.inputs))
	for id := range e.inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Materialise writes one output file, relative to the data root, and
// registers it as egress partition name.
func (e *Env) Materialise(ctx context.Context, name, target string, content []byte) (partition.Outcome, error) {
	abs, err := e.register(name, target)
	if err != nil {
		return "", err
	}
	return e.writer.Materialise(ctx, abs, content)
}

// MaterialiseDir writes one output directory, relative to the data root,
// and registers it as egress partition name.
func (e *Env) MaterialiseDir(ctx context.Context, name, target string, members map[string][]byte) (partition.Outcome, error) {
	abs, err := e.register(name, target)
	if err != nil {
		return "", err
	}
	return e.writer.MaterialiseDir(ctx, abs, members)
}

// Egress returns egress partition name -> data-root-relative path.
func (e *Env) Egress() map[string]string {
	out := make(map[string]string, len(e.egress))
	for k, v := range e.egress {
		out[k] = v
	}
	return out
}

func (e *Env) register(name, target string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("egress partition name is required")
	}
	if !partition.ValidMemberPath(target) {
		return "", fmt.Errorf("egress %s: target %q must be a clean path relative to the data root", name, target)
	}
	if prev, ok := e.egress[name]; ok && prev != target {
		return "", fmt.Errorf("egress %s already written to %s", name, prev)
	}
	e.egress[name] = target
	return filepath.Join(e.dataRoot, filepath.FromSlash(target)), nil
}

// Package expr evaluates calculation and filter expressions with CEL.
//
// Conditions are type-checked and run by the interpreter directly. Scripting
// expressions are only parsed, gain a few non-deterministic functions, and
// run inside one of a bounded number of script contexts.
package expr

import (
	"context"
	"slices"
	"strings"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/qerrors"
)

// Bindings maps variable names to their current values.
type Bindings map[string]any

type Options struct {
	// CacheSize bounds the number of compiled programs kept.
	CacheSize int
	// ScriptContexts bounds concurrent scripting evaluations.
	ScriptContexts int
}

// Evaluator compiles expressions into programs and caches them by text and
// variable set. It is safe for concurrent use.
type Evaluator struct {
	env       *cel.Env
	scriptEnv *cel.Env
	cache     *lru.Cache[string, *Program]
	scripts   *ScriptContexts
}

func New(opts Options) (*Evaluator, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.ScriptContexts <= 0 {
		opts.ScriptContexts = 4
	}
	env, err := cel.NewEnv(cel.CrossTypeNumericComparisons(true))
	if err != nil {
		return nil, err
	}
	scriptEnv, err := env.Extend(scriptFunctions()...)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, *Program](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		env:       env,
		scriptEnv: scriptEnv,
		cache:     cache,
		scripts:   NewScriptContexts(int64(opts.ScriptContexts)),
	}, nil
}

// Cached is the number of programs currently held.
func (e *Evaluator) Cached() int { return e.cache.Len() }

func (e *Evaluator) ScriptContexts() *ScriptContexts { return e.scripts }

// Compile returns the program for x, compiling it on a cache miss. extra names
// variables bound in addition to the ones x reads.
func (e *Evaluator) Compile(x *plan.Expression, extra ...string) (*Program, error) {
	if x == nil {
		return nil, qerrors.MalformedPlanf("missing expression")
	}
	names := make([]string, 0, len(x.Variables)+len(extra))
	for _, v := range x.Variables {
		names = append(names, v.Name)
	}
	names = append(names, extra...)
	slices.Sort(names)
	names = slices.Compact(names)

	key := cacheKey(x.Text, names, x.Scripting)
	if p, ok := e.cache.Get(key); ok {
		return p, nil
	}
	p, err := e.compile(x.Text, names, x.Scripting)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, p)
	return p, nil
}

func cacheKey(text string, names []string, script bool) string {
	var b strings.Builder
	if script {
		b.WriteString("s\x00")
	} else {
		b.WriteString("c\x00")
	}
	b.WriteString(strings.Join(names, ","))
	b.WriteByte(0)
	b.WriteString(text)
	return b.String()
}

func (e *Evaluator) compile(text string, names []string, script bool) (*Program, error) {
	base := e.env
	if script {
		base = e.scriptEnv
	}
	decls := make([]cel.EnvOption, len(names))
	for i, n := range names {
		decls[i] = cel.Variable(n, cel.DynType)
	}
	env, err := base.Extend(decls...)
	if err != nil {
		return nil, qerrors.WrapMalformedPlan(err, "expression %q", text)
	}

	var ast *cel.Ast
	var iss *cel.Issues
	if script {
		ast, iss = env.Parse(text)
	} else {
		ast, iss = env.Compile(text)
	}
	if iss != nil && iss.Err() != nil {
		return nil, qerrors.WrapMalformedPlan(iss.Err(), "expression %q", text)
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(64))
	if err != nil {
		return nil, qerrors.WrapMalformedPlan(err, "expression %q", text)
	}
	return &Program{text: text, names: names, prg: prg, script: script, scripts: e.scripts}, nil
}

// Program is a compiled expression.
type Program struct {
	text    string
	names   []string
	prg     cel.Program
	script  bool
	scripts *ScriptContexts
}

func (p *Program) Text() string { return p.text }

// Variables lists the names the program expects, sorted.
func (p *Program) Variables() []string { return p.names }

func (p *Program) IsScript() bool { return p.script }

// Eval runs the program. Unbound variables evaluate as null. Scripting
// programs first acquire a script context.
func (p *Program) Eval(ctx context.Context, vars Bindings) (any, error) {
	if p.script {
		release, err := p.scripts.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}
	return p.EvalHeld(ctx, vars)
}

// EvalHeld runs the program on behalf of a caller that already holds a script
// context, or for a program that needs none.
func (p *Program) EvalHeld(ctx context.Context, vars Bindings) (any, error) {
	act := make(map[string]any, len(p.names))
	for _, n := range p.names {
		act[n] = vars[n]
	}
	out, _, err := p.prg.ContextEval(ctx, act)
	if err != nil {
		if ctx.Err() != nil {
			return nil, qerrors.Killedf("expression %q interrupted: %v", p.text, ctx.Err())
		}
		return nil, qerrors.WrapRuntimeData(err, "evaluate %q", p.text)
	}
	return ToNative(out)
}

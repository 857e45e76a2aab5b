// Package mangle keeps agent telemetry as Mangle facts so runs can be inspected with
// Datalog queries (which rules fired, which recoveries needed the backup plan).
package mangle

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"chatkeeper/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"go.uber.org/zap"
)

//go:embed schemas/agent.mg
var defaultSchema []byte

// DefaultSchema returns the built-in agent schema source.
func DefaultSchema() string { return string(defaultSchema) }

// Fact is one agent event.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Engine holds the fact buffer, the Mangle store and the analyzed program.
type Engine struct {
	cfg    config.MangleConfig
	logger *zap.Logger

	mu           sync.RWMutex
	schemaLoaded bool
	programInfo  *analysis.ProgramInfo
	store        factstore.FactStore

	// facts is a bounded buffer in arrival order; index maps predicate -> positions.
	facts []Fact
	index map[string][]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger routes engine diagnostics through logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine. When enabled it loads cfg.SchemaPath, or the embedded
// schema if no path is set.
func NewEngine(cfg config.MangleConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		logger: zap.NewNop(),
		facts:  make([]Fact, 0, max(cfg.FactBufferLimit, 0)),
		index:  make(map[string][]int),
		store:  factstore.NewSimpleInMemoryStore(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if !cfg.Enable {
		return e, nil
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
		return e, nil
	}
	if err := e.LoadSchemaSource(DefaultSchema()); err != nil {
		return nil, fmt.Errorf("embedded schema: %w", err)
	}
	return e, nil
}

// LoadSchema reads and analyzes a schema file.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return e.LoadSchemaSource(string(data))
}

// LoadSchemaSource parses and analyzes schema source, replacing the current program.
func (e *Engine) LoadSchemaSource(src string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.programInfo = info
	e.schemaLoaded = true
	return nil
}

// AddRule parses additional rules against the loaded declarations and merges them
// into the program.
func (e *Engine) AddRule(src string) error {
	if !e.cfg.Enable {
		return nil
	}
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	known := make(map[ast.PredicateSym]ast.Decl)
	if e.programInfo != nil {
		for sym, decl := range e.programInfo.Decls {
			if decl != nil {
				known[sym] = *decl
			}
		}
	}
	info, err := analysis.AnalyzeOneUnit(unit, known)
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if e.programInfo == nil {
		e.programInfo = info
		e.schemaLoaded = true
		return nil
	}
	for sym, decl := range info.Decls {
		e.programInfo.Decls[sym] = decl
	}
	for sym, v := range info.IdbPredicates {
		e.programInfo.IdbPredicates[sym] = v
	}
	e.programInfo.Rules = append(e.programInfo.Rules, info.Rules...)
	e.programInfo.InitialFacts = append(e.programInfo.InitialFacts, info.InitialFacts...)
	return nil
}

// AddFacts buffers facts, adds them to the store and re-evaluates the program.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	base := len(e.facts)
	e.facts = append(e.facts, facts...)
	if limit := e.cfg.FactBufferLimit; limit > 0 && len(e.facts) > limit {
		e.facts = e.facts[len(e.facts)-limit:]
		e.rebuildIndex()
	} else {
		for i, f := range facts {
			e.index[f.Predicate] = append(e.index[f.Predicate], base+i)
		}
	}

	for _, f := range facts {
		e.store.Add(toAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			e.logger.Debug("eval failed", zap.Error(err))
			return fmt.Errorf("eval program: %w", err)
		}
	}
	return nil
}

// Query runs a single-atom query such as `backup_used(S, Scenario, "sent")` and
// returns one binding per matching fact. Base facts no longer in the store are
// matched against the buffer.
func (e *Engine) Query(ctx context.Context, query string) ([]QueryResult, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unit, err := parse.Unit(bytes.NewReader([]byte(query)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(unit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	atom := unit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(atom, func(found ast.Atom) error {
		row := make(QueryResult)
		for i, arg := range atom.Args {
			if i >= len(found.Args) {
				break
			}
			if v, ok := arg.(ast.Variable); ok && v.Symbol != "_" {
				row[v.Symbol] = fromTerm(found.Args[i])
			}
		}
		results = append(results, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	if len(results) == 0 {
		results = append(results, e.matchBuffer(atom.Predicate.Symbol, atom.Args)...)
	}
	return results, nil
}

func (e *Engine) matchBuffer(predicate string, pattern []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if len(f.Args) < len(pattern) {
			continue
		}
		row := make(QueryResult)
		ok := true
		for i, term := range pattern {
			switch t := term.(type) {
			case ast.Variable:
				if t.Symbol != "_" {
					row[t.Symbol] = f.Args[i]
				}
			case ast.Constant:
				if fmt.Sprint(f.Args[i]) != fmt.Sprint(fromTerm(t)) {
					ok = false
				}
			}
			if !ok {
				break
			}
		}
		if ok {
			results = append(results, row)
		}
	}
	return results
}

// Evaluate re-runs the program and returns every fact of predicate, base or derived.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("engine not ready")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	now := time.Now()
	out := make([]Fact, 0)
	err := e.store.GetFacts(query, func(a ast.Atom) error {
		vals := make([]interface{}, len(a.Args))
		for i, arg := range a.Args {
			vals[i] = fromTerm(arg)
		}
		out = append(out, Fact{Predicate: a.Predicate.Symbol, Args: vals, Timestamp: now})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return out, nil
}

// QueryTemporal returns buffered facts of predicate with after < Timestamp < before.
// A zero bound is open.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) && (before.IsZero() || f.Timestamp.Before(before)) {
			out = append(out, f)
		}
	}
	return out
}

// FactsByPredicate returns buffered facts of predicate in arrival order.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Fact, 0, len(e.index[predicate]))
	for _, idx := range e.index[predicate] {
		out = append(out, e.facts[idx])
	}
	return out
}

// Facts returns a copy of the buffer.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// PredicateCount is one row of Summary.
type PredicateCount struct {
	Predicate string `json:"predicate"`
	Count     int    `json:"count"`
}

// Summary counts buffered facts per predicate, sorted by predicate name.
func (e *Engine) Summary() []PredicateCount {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]PredicateCount, 0, len(e.index))
	for p, idx := range e.index {
		out = append(out, PredicateCount{Predicate: p, Count: len(idx)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Predicate < out[j].Predicate })
	return out
}

// Ready reports whether queries can run. A disabled engine is always ready.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)}, Args: args}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	case fmt.Stringer:
		return ast.String(val.String())
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromTerm(term ast.BaseTerm) interface{} {
	switch t := term.(type) {
	case ast.Constant:
		switch t.Type {
		case ast.StringType:
			s, _ := t.StringValue()
			return s
		case ast.NumberType:
			return t.NumValue
		case ast.Float64Type:
			if f, err := t.Float64Value(); err == nil {
				return f
			}
		}
		return t.String()
	case ast.Variable:
		return t.Symbol
	case nil:
		return nil
	default:
		return fmt.Sprintf("%v", term)
	}
}

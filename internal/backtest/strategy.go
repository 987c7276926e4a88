package backtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tokentrader/internal/pkg/convert"
	"tokentrader/internal/types"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownStrategy 表示注册表中没有该策略 ID。
var ErrUnknownStrategy = errors.New("unknown strategy")

// Strategy 是纯函数式的回测策略：同样的输入必须得到同样的输出。
// history 包含当前 bar（history[len-1] == bar）。
type Strategy interface {
	ID() string
	Description() string
	Defaults() Params
	Schema() string
	Evaluate(history []types.Bar, bar types.Bar, st *State, p Params) *Signal
}

// Params 是策略阈值，JSON 数字统一解码为 float64。
type Params map[string]any

func (p Params) Float(key string) float64 {
	return convert.ToFloat64(p[key])
}

func (p Params) Int(key string) int {
	return int(p.Float(key))
}

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type registryEntry struct {
	strategy Strategy
	schema   *jsonschema.Schema
	preset   Params
}

// Registry 管理策略及其参数 schema；Resolve 时按 defaults < preset < overrides 合并后校验。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*registryEntry)}
}

// DefaultRegistry registers the four built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []Strategy{Momentum{}, MeanReversion{}, Sentiment{}, Pattern{}} {
		if err := r.Register(s); err != nil {
			panic(fmt.Sprintf("register builtin strategy %s: %v", s.ID(), err))
		}
	}
	return r
}

func (r *Registry) Register(s Strategy) error {
	id := strings.TrimSpace(s.ID())
	if id == "" {
		return fmt.Errorf("strategy id is required")
	}
	schema, err := compileSchema(id, s.Schema())
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", id, err)
	}
	if err := validateParams(schema, s.Defaults()); err != nil {
		return fmt.Errorf("defaults of %s violate schema: %w", id, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &registryEntry{strategy: s, schema: schema}
	return nil
}

// SetPreset 校验并保存某策略的预设参数（来自 presets 文件）。
func (r *Registry) SetPreset(id string, preset Params) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	merged := e.strategy.Defaults().clone()
	for k, v := range preset {
		merged[k] = v
	}
	if err := validateParams(e.schema, merged); err != nil {
		return fmt.Errorf("preset for %s: %w", id, err)
	}
	e.preset = preset.clone()
	return nil
}

func (r *Registry) Resolve(id string, overrides map[string]any) (Strategy, Params, error) {
	r.mu.RLock()
	e, ok := r.entries[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	params := e.strategy.Defaults().clone()
	for k, v := range e.preset {
		params[k] = v
	}
	for k, v := range overrides {
		params[k] = v
	}
	normalized, err := normalizeParams(params)
	if err != nil {
		return nil, nil, err
	}
	if err := validateParams(e.schema, normalized); err != nil {
		return nil, nil, fmt.Errorf("invalid params for %s: %w", id, err)
	}
	return e.strategy, normalized, nil
}

// IDs returns registered strategy ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type StrategyInfo struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Defaults    Params          `json:"defaults"`
	Schema      json.RawMessage `json:"schema"`
}

func (r *Registry) Describe() []StrategyInfo {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StrategyInfo, 0, len(ids))
	for _, id := range ids {
		s := r.entries[id].strategy
		out = append(out, StrategyInfo{ID: id, Description: s.Description(), Defaults: s.Defaults(), Schema: json.RawMessage(s.Schema())})
	}
	return out
}

func compileSchema(id, raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := id + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func validateParams(schema *jsonschema.Schema, p Params) error {
	if schema == nil {
		return nil
	}
	normalized, err := normalizeParams(p)
	if err != nil {
		return err
	}
	return schema.Validate(map[string]any(normalized))
}

// normalizeParams 通过一次 JSON 往返把 int/字符串数字等统一成 float64。
func normalizeParams(p Params) (Params, error) {
	out := make(Params, len(p))
	for k, v := range p {
		if _, isStr := v.(string); isStr {
			if f, ok := convert.Float64(v); ok {
				out[k] = f
				continue
			}
		}
		out[k] = v
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	return Params(decoded), nil
}

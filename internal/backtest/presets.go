package backtest

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"tokentrader/internal/logger"

	"gopkg.in/yaml.v3"
)

// PresetFile 是 presets.yaml 的结构：strategies.<id>.<param>: value。
type PresetFile struct {
	Strategies map[string]map[string]any `yaml:"strategies"`
}

// LoadPresets 解析 presets 文件；未知顶层字段报错。
func LoadPresets(path string) (PresetFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PresetFile{}, fmt.Errorf("read presets %s: %w", path, err)
	}
	return ParsePresets(raw)
}

func ParsePresets(raw []byte) (PresetFile, error) {
	var pf PresetFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return PresetFile{}, fmt.Errorf("decode presets: %w", err)
	}
	return pf, nil
}

// Apply 把每个策略的预设写入注册表；任一预设不合法即返回错误。
func (pf PresetFile) Apply(r *Registry) error {
	ids := make([]string, 0, len(pf.Strategies))
	for id := range pf.Strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.SetPreset(id, Params(pf.Strategies[id])); err != nil {
			return err
		}
		logger.Debugf("[backtest] preset applied for %s: %v", id, pf.Strategies[id])
	}
	return nil
}

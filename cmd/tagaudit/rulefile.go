package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"tagaudit/pkg/model"
)

type ruleFile struct {
	Rules []model.RuleDefinition `yaml:"rules"`
}

// decodeRules 接受顶层列表或 rules: 列表两种写法，并校验每条规则
func decodeRules(r io.Reader) ([]model.RuleDefinition, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	var defs []model.RuleDefinition
	switch root.Content[0].Kind {
	case yaml.SequenceNode:
		err = root.Content[0].Decode(&defs)
	case yaml.MappingNode:
		var f ruleFile
		err = root.Content[0].Decode(&f)
		defs = f.Rules
	default:
		err = errors.New("expected a list of rules or a rules: key")
	}
	if err != nil {
		return nil, err
	}
	seen := map[model.RuleID]bool{}
	var errs []error
	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule #%d: %w", i+1, err))
			continue
		}
		if seen[defs[i].ID] {
			errs = append(errs, fmt.Errorf("rule #%d: duplicate id %s", i+1, defs[i].ID))
		}
		seen[defs[i].ID] = true
	}
	return defs, errors.Join(errs...)
}

// loadRuleFiles 按顺序合并多个规则文件
func loadRuleFiles(paths []string) ([]model.RuleDefinition, error) {
	var all []model.RuleDefinition
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read rules: %w", err)
		}
		defs, err := decodeRules(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("rules %s: %w", p, err)
		}
		all = append(all, defs...)
	}
	return all, nil
}

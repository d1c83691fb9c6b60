package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"

	"tagaudit/pkg/model"

	"github.com/tidwall/gjson"
)

// DataLayerHandler 校验每个匹配事件的负载
type DataLayerHandler struct{}

func (DataLayerHandler) Name() string { return "datalayer" }

func (DataLayerHandler) CanHandle(r *model.RuleDefinition) bool {
	return r.Type == model.RuleDataLayer && r.DataLayer != nil
}

func (DataLayerHandler) Evaluate(ctx context.Context, in *Input, r *model.RuleDefinition) (Outcome, error) {
	d := r.DataLayer
	var match matcher
	if d.Event != "" {
		m, err := compileMatcher(d.MatchMode, MatchExact, d.Event)
		if err != nil {
			return Outcome{}, err
		}
		match = m
	}
	var events []model.DataLayerEvent
	if in.Evidence != nil {
		for _, e := range in.Evidence.Events(d.Layer, "") {
			if match == nil || match(e.Event) {
				events = append(events, e)
			}
		}
	}
	if len(events) == 0 {
		if d.AllowMissing {
			return passed(fmt.Sprintf("no events matched %s", d.Event)), nil
		}
		msg := fmt.Sprintf("no events matched %s", d.Event)
		return failed(msg, msg), nil
	}

	var problems []string
	bad := 0
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		errs, err := checkEvent(d, e.Payload)
		if err != nil {
			return Outcome{}, err
		}
		if len(errs) > 0 {
			bad++
		}
		for _, msg := range errs {
			problems = append(problems, fmt.Sprintf("event %s[%d] %s: %s", e.Layer, e.Index, e.Event, msg))
		}
	}
	if bad > 0 {
		return failed(fmt.Sprintf("%d of %d events failed validation", bad, len(events)), problems...), nil
	}
	return passed(fmt.Sprintf("%d events valid", len(events))), nil
}

// hasKey 先按顶层字面键查找（如 gtm.start），再按 gjson 路径查找
func hasKey(raw []byte, payload map[string]any, key string) bool {
	if _, ok := payload[key]; ok {
		return true
	}
	return gjson.GetBytes(raw, key).Exists()
}

// checkEvent 返回单个事件未通过的检查项
func checkEvent(d *model.DataLayerRule, payload map[string]any) ([]string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var errs []string
	for _, k := range d.RequiredKeys {
		if !hasKey(raw, payload, k) {
			errs = append(errs, "missing required key "+k)
		}
	}
	for _, k := range d.ForbiddenKeys {
		if hasKey(raw, payload, k) {
			errs = append(errs, "forbidden key present "+k)
		}
	}
	if d.KeyPattern != "" {
		re, err := regexCache.Get(d.KeyPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", d.KeyPattern, err)
		}
		walkKeys(payload, "", func(path, key string) {
			if !re.MatchString(key) {
				errs = append(errs, fmt.Sprintf("key %s does not match %s", path, d.KeyPattern))
			}
		})
	}
	if d.Schema != nil {
		errs = append(errs, checkSchema(normalize(payload), d.Schema, "$")...)
	}
	for _, f := range d.Fields {
		msg, err := checkFieldValue(gjson.GetBytes(raw, f.Path), f)
		if err != nil {
			return nil, err
		}
		if msg != "" {
			errs = append(errs, f.Path+" "+msg)
		}
	}
	return errs, nil
}

// walkKeys 按键名顺序遍历嵌套对象的全部键
func walkKeys(v any, prefix string, fn func(path, key string)) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			fn(p, k)
			walkKeys(x[k], p, fn)
		}
	case []any:
		for i, item := range x {
			walkKeys(item, fmt.Sprintf("%s[%d]", prefix, i), fn)
		}
	}
}

func checkSchema(v any, n *model.SchemaNode, path string) []string {
	var errs []string
	if n.Type != "" && !valueHasType(v, n.Type) {
		return []string{fmt.Sprintf("%s: expected %s, got %s", path, n.Type, typeName(v))}
	}
	if len(n.Enum) > 0 && !oneOf(v, n.Enum) {
		errs = append(errs, fmt.Sprintf("%s: value not in enum", path))
	}
	switch x := v.(type) {
	case map[string]any:
		for _, k := range n.Required {
			if _, ok := x[k]; !ok {
				errs = append(errs, fmt.Sprintf("%s: missing required property %s", path, k))
			}
		}
		keys := make([]string, 0, len(n.Properties))
		for k := range n.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if cv, ok := x[k]; ok && n.Properties[k] != nil {
				errs = append(errs, checkSchema(cv, n.Properties[k], path+"."+k)...)
			}
		}
	case []any:
		if n.Items != nil {
			for i, item := range x {
				errs = append(errs, checkSchema(item, n.Items, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	}
	return errs
}

// checkFieldValue 返回字段断言失败原因，通过时为空
func checkFieldValue(res gjson.Result, f model.FieldCheck) (string, error) {
	if !res.Exists() {
		if f.Required {
			return "is required", nil
		}
		return "", nil
	}
	v := normalize(res.Value())
	if f.Type != "" && !valueHasType(v, f.Type) {
		return fmt.Sprintf("expected %s, got %s", f.Type, typeName(v)), nil
	}
	if f.Equals != nil && !reflect.DeepEqual(v, normalize(f.Equals)) {
		return fmt.Sprintf("is %s, want %v", res.Raw, f.Equals), nil
	}
	if f.Matches != "" {
		m, err := matchRegex(res.String(), f.Matches)
		if err != nil {
			return "", err
		}
		if !m {
			return fmt.Sprintf("%q does not match %s", res.String(), f.Matches), nil
		}
	}
	if f.Min != nil || f.Max != nil {
		if res.Type != gjson.Number {
			return "is not a number", nil
		}
		n := res.Float()
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("%s below minimum %s", formatFloat(n), formatFloat(*f.Min)), nil
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("%s above maximum %s", formatFloat(n), formatFloat(*f.Max)), nil
		}
	}
	if f.MinLength != nil || f.MaxLength != nil {
		var l int
		switch {
		case res.Type == gjson.String:
			l = utf8.RuneCountInString(res.Str)
		case res.IsArray():
			l = len(res.Array())
		default:
			return "has no length", nil
		}
		if f.MinLength != nil && l < *f.MinLength {
			return fmt.Sprintf("length %d below %d", l, *f.MinLength), nil
		}
		if f.MaxLength != nil && l > *f.MaxLength {
			return fmt.Sprintf("length %d above %d", l, *f.MaxLength), nil
		}
	}
	if len(f.OneOf) > 0 && !oneOf(v, f.OneOf) {
		return fmt.Sprintf("%s not in allowed values", res.Raw), nil
	}
	return "", nil
}

// normalize 经 JSON 往返统一数值与容器类型
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func oneOf(v any, allowed []any) bool {
	for _, a := range allowed {
		if reflect.DeepEqual(v, normalize(a)) {
			return true
		}
	}
	return false
}

func typeName(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if x == float64(int64(x)) {
			return "integer"
		}
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// valueHasType integer 同时属于 number
func valueHasType(v any, typ string) bool {
	got := typeName(v)
	if typ == "number" && got == "integer" {
		return true
	}
	return got == typ
}

package model

import (
	"fmt"
	"time"
)

// RuleType 规则类型判别字段
type RuleType string

const (
	RulePresence  RuleType = "presence"
	RulePayload   RuleType = "payload"
	RuleOrder     RuleType = "order"
	RuleConsent   RuleType = "consent"
	RuleDataLayer RuleType = "datalayer"
)

// Severity 规则严重级别
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Weight 返回评分权重
func (s Severity) Weight() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarning:
		return 2
	default:
		return 1
	}
}

// TargetType 规则目标类型
type TargetType string

const (
	TargetTag     TargetType = "tag"
	TargetEvent   TargetType = "event"
	TargetRequest TargetType = "request"
	TargetScript  TargetType = "script"
)

// Target 规则指向的证据对象
type Target struct {
	Type      TargetType `json:"type" yaml:"type"`
	Platform  string     `json:"platform,omitempty" yaml:"platform,omitempty"`
	Layer     string     `json:"layer,omitempty" yaml:"layer,omitempty"`
	Event     string     `json:"event,omitempty" yaml:"event,omitempty"`
	Pattern   string     `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MatchMode string     `json:"matchMode,omitempty" yaml:"matchMode,omitempty"`
}

// String 用于消息与证据
func (t Target) String() string {
	switch t.Type {
	case TargetTag:
		return "tag " + t.Platform
	case TargetEvent:
		if t.Layer != "" {
			return fmt.Sprintf("event %s/%s", t.Layer, t.Event)
		}
		return "event " + t.Event
	default:
		return fmt.Sprintf("%s %s", t.Type, t.Pattern)
	}
}

// PresenceRule 断言目标存在、不存在或数量范围
type PresenceRule struct {
	Target      Target `json:"target" yaml:"target"`
	ShouldExist bool   `json:"shouldExist" yaml:"shouldExist"`
	MinCount    *int   `json:"minCount,omitempty" yaml:"minCount,omitempty"`
	MaxCount    *int   `json:"maxCount,omitempty" yaml:"maxCount,omitempty"`
}

// FieldSource 负载字段来源
type FieldSource string

const (
	SourceQuery   FieldSource = "query"
	SourceBody    FieldSource = "body"
	SourceHeaders FieldSource = "headers"
)

// FieldAssertion 单个请求字段的断言
type FieldAssertion struct {
	Source  FieldSource `json:"source" yaml:"source"`
	Key     string      `json:"key" yaml:"key"`
	Exists  *bool       `json:"exists,omitempty" yaml:"exists,omitempty"`
	Equals  *string     `json:"equals,omitempty" yaml:"equals,omitempty"`
	Matches string      `json:"matches,omitempty" yaml:"matches,omitempty"`
	Type    string      `json:"type,omitempty" yaml:"type,omitempty"`
}

// PayloadRule 断言匹配请求的字段
type PayloadRule struct {
	URLPattern string           `json:"urlPattern" yaml:"urlPattern"`
	MatchMode  string           `json:"matchMode,omitempty" yaml:"matchMode,omitempty"`
	Method     string           `json:"method,omitempty" yaml:"method,omitempty"`
	Fields     []FieldAssertion `json:"fields" yaml:"fields"`
}

// OrderRule 断言 Before 的最早时间早于 After
type OrderRule struct {
	Before     Target `json:"before" yaml:"before"`
	After      Target `json:"after" yaml:"after"`
	MaxDeltaMS int64  `json:"maxDeltaMs,omitempty" yaml:"maxDeltaMs,omitempty"`
}

// ConsentSource 同意信号来源
type ConsentSource string

const (
	ConsentFromDataLayer    ConsentSource = "datalayer"
	ConsentFromCookie       ConsentSource = "cookie"
	ConsentFromLocalStorage ConsentSource = "localStorage"
)

// ConsentSignal 同意信号定义
type ConsentSignal struct {
	Source ConsentSource `json:"source" yaml:"source"`
	Layer  string        `json:"layer,omitempty" yaml:"layer,omitempty"`
	Event  string        `json:"event,omitempty" yaml:"event,omitempty"`
	Key    string        `json:"key,omitempty" yaml:"key,omitempty"`
	Value  string        `json:"value,omitempty" yaml:"value,omitempty"`
}

// ConsentRule 断言平台活动不早于同意信号
type ConsentRule struct {
	Platform string        `json:"platform" yaml:"platform"`
	Signal   ConsentSignal `json:"signal" yaml:"signal"`
	Required bool          `json:"required" yaml:"required"`
}

// SchemaNode 递归的负载结构约束
type SchemaNode struct {
	Type       string                 `json:"type,omitempty" yaml:"type,omitempty"`
	Required   []string               `json:"required,omitempty" yaml:"required,omitempty"`
	Properties map[string]*SchemaNode `json:"properties,omitempty" yaml:"properties,omitempty"`
	Items      *SchemaNode            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum       []any                  `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// FieldCheck 数据层字段断言
type FieldCheck struct {
	Path      string   `json:"path" yaml:"path"`
	Required  bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Equals    any      `json:"equals,omitempty" yaml:"equals,omitempty"`
	Matches   string   `json:"matches,omitempty" yaml:"matches,omitempty"`
	Type      string   `json:"type,omitempty" yaml:"type,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	OneOf     []any    `json:"oneOf,omitempty" yaml:"oneOf,omitempty"`
}

// DataLayerRule 校验每个匹配事件的负载；RequiredKeys 与 ForbiddenKeys 先匹配顶层字面键，
// 再按 gjson 路径（a.b、items.0.id）查找
type DataLayerRule struct {
	Layer         string       `json:"layer,omitempty" yaml:"layer,omitempty"`
	Event         string       `json:"event" yaml:"event"`
	MatchMode     string       `json:"matchMode,omitempty" yaml:"matchMode,omitempty"`
	RequiredKeys  []string     `json:"requiredKeys,omitempty" yaml:"requiredKeys,omitempty"`
	ForbiddenKeys []string     `json:"forbiddenKeys,omitempty" yaml:"forbiddenKeys,omitempty"`
	KeyPattern    string       `json:"keyPattern,omitempty" yaml:"keyPattern,omitempty"`
	Schema        *SchemaNode  `json:"schema,omitempty" yaml:"schema,omitempty"`
	Fields        []FieldCheck `json:"fields,omitempty" yaml:"fields,omitempty"`
	AllowMissing  bool         `json:"allowMissing,omitempty" yaml:"allowMissing,omitempty"`
}

// RuleDefinition 以 Type 判别的规则联合体，与 Type 对应的主体非空
type RuleDefinition struct {
	ID          RuleID   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        RuleType `json:"type" yaml:"type"`
	Severity    Severity `json:"severity,omitempty" yaml:"severity,omitempty"`
	Platform    string   `json:"platform,omitempty" yaml:"platform,omitempty"`
	Disabled    bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	Presence  *PresenceRule  `json:"presence,omitempty" yaml:"presence,omitempty"`
	Payload   *PayloadRule   `json:"payload,omitempty" yaml:"payload,omitempty"`
	Order     *OrderRule     `json:"order,omitempty" yaml:"order,omitempty"`
	Consent   *ConsentRule   `json:"consent,omitempty" yaml:"consent,omitempty"`
	DataLayer *DataLayerRule `json:"datalayer,omitempty" yaml:"datalayer,omitempty"`
}

// EffectiveSeverity 未设置时按 error 处理
func (r *RuleDefinition) EffectiveSeverity() Severity {
	if r.Severity == "" {
		return SeverityError
	}
	return r.Severity
}

// Validate 检查判别字段与主体是否一致
func (r *RuleDefinition) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id is empty")
	}
	switch r.Severity {
	case "", SeverityError, SeverityWarning, SeverityInfo:
	default:
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	var ok bool
	switch r.Type {
	case RulePresence:
		ok = r.Presence != nil
	case RulePayload:
		ok = r.Payload != nil
	case RuleOrder:
		ok = r.Order != nil
	case RuleConsent:
		ok = r.Consent != nil
	case RuleDataLayer:
		ok = r.DataLayer != nil
	default:
		return fmt.Errorf("rule %s: unknown type %q", r.ID, r.Type)
	}
	if !ok {
		return fmt.Errorf("rule %s: missing %s body", r.ID, r.Type)
	}
	return nil
}

// RuleStatus 单条规则结论
type RuleStatus string

const (
	StatusPassed  RuleStatus = "passed"
	StatusFailed  RuleStatus = "failed"
	StatusSkipped RuleStatus = "skipped"
	StatusError   RuleStatus = "error"
)

// ValidationResult 单条规则的评估结果
type ValidationResult struct {
	RuleID   RuleID        `json:"ruleId"`
	RuleName string        `json:"ruleName"`
	Type     RuleType      `json:"type"`
	Platform string        `json:"platform,omitempty"`
	Status   RuleStatus    `json:"status"`
	Severity Severity      `json:"severity"`
	Message  string        `json:"message"`
	Evidence []string      `json:"evidence,omitempty"`
	Duration time.Duration `json:"duration"`
}

// PlatformTally 每个平台的通过/失败/警告计数
type PlatformTally struct {
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Warnings int `json:"warnings"`
}

// ValidationSummary 规则评估汇总，Passed+Failed+Skipped+Errors == Total
type ValidationSummary struct {
	Total      int                      `json:"total"`
	Passed     int                      `json:"passed"`
	Failed     int                      `json:"failed"`
	Skipped    int                      `json:"skipped"`
	Errors     int                      `json:"errors"`
	BySeverity map[string]int           `json:"bySeverity"`
	ByPlatform map[string]PlatformTally `json:"byPlatform"`
	Score      int                      `json:"score"`
	IsValid    bool                     `json:"isValid"`
}

// ValidationReport 一次扫描的规则评估报告
type ValidationReport struct {
	ScanID   ScanID             `json:"scanId,omitempty"`
	URL      string             `json:"url,omitempty"`
	Results  []ValidationResult `json:"results"`
	Summary  ValidationSummary  `json:"summary"`
	Duration time.Duration      `json:"duration"`
}

package rules

import (
	"context"

	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"
)

// Input 规则评估所需的证据与检测结果
type Input struct {
	Evidence  *evidence.Context
	Detection *model.DetectionResult
}

// Outcome 处理器对单条规则的结论
type Outcome struct {
	Status   model.RuleStatus
	Message  string
	Evidence []string
}

// Handler 一种规则类型的处理器
type Handler interface {
	Name() string
	CanHandle(r *model.RuleDefinition) bool
	Evaluate(ctx context.Context, in *Input, r *model.RuleDefinition) (Outcome, error)
}

// DefaultHandlers 返回五种内置处理器
func DefaultHandlers() []Handler {
	return []Handler{
		PresenceHandler{},
		PayloadHandler{},
		OrderHandler{},
		ConsentHandler{},
		DataLayerHandler{},
	}
}

func passed(msg string, ev ...string) Outcome {
	return Outcome{Status: model.StatusPassed, Message: msg, Evidence: ev}
}

func failed(msg string, ev ...string) Outcome {
	return Outcome{Status: model.StatusFailed, Message: msg, Evidence: ev}
}

func skipped(msg string) Outcome {
	return Outcome{Status: model.StatusSkipped, Message: msg}
}

const maxEvidence = 20

// capEvidence 证据条数上限，超出部分以汇总行代替
func capEvidence(ev []string) []string {
	if len(ev) <= maxEvidence {
		return ev
	}
	out := append([]string(nil), ev[:maxEvidence]...)
	return append(out, "... and more")
}

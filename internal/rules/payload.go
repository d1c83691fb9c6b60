package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tagaudit/internal/evidence"
	"tagaudit/pkg/model"
)

// PayloadHandler 断言每个匹配请求的每个字段
type PayloadHandler struct{}

func (PayloadHandler) Name() string { return "payload" }

func (PayloadHandler) CanHandle(r *model.RuleDefinition) bool {
	return r.Type == model.RulePayload && r.Payload != nil
}

func (PayloadHandler) Evaluate(_ context.Context, in *Input, r *model.RuleDefinition) (Outcome, error) {
	p := r.Payload
	match, err := compileMatcher(p.MatchMode, MatchContains, p.URLPattern)
	if err != nil {
		return Outcome{}, err
	}
	var reqs []model.CapturedRequest
	if in.Evidence != nil {
		for _, req := range in.Evidence.Requests() {
			if !match(req.URL) {
				continue
			}
			if p.Method != "" && !strings.EqualFold(req.Method, p.Method) {
				continue
			}
			reqs = append(reqs, req)
		}
	}
	if len(reqs) == 0 {
		msg := fmt.Sprintf("no requests matched pattern %s", p.URLPattern)
		return failed(msg, msg), nil
	}

	var problems []string
	for _, req := range reqs {
		for _, f := range p.Fields {
			if reason, err := checkField(req, f); err != nil {
				return Outcome{}, err
			} else if reason != "" {
				problems = append(problems, fmt.Sprintf("request %s %s: %s.%s %s", req.ID, req.URL, f.Source, f.Key, reason))
			}
		}
	}
	if len(problems) > 0 {
		return failed(fmt.Sprintf("%d of %d field checks failed across %d requests",
			len(problems), len(reqs)*len(p.Fields), len(reqs)), problems...), nil
	}
	return passed(fmt.Sprintf("%d requests matched, all fields valid", len(reqs))), nil
}

// checkField 返回失败原因，通过时为空
func checkField(req model.CapturedRequest, f model.FieldAssertion) (string, error) {
	v, ok := evidence.RequestField(req, f.Source, f.Key)
	if f.Exists != nil {
		if ok != *f.Exists {
			if ok {
				return "should not exist", nil
			}
			return "missing", nil
		}
		if !ok {
			return "", nil
		}
	}
	if !ok {
		return "missing", nil
	}
	if f.Equals != nil && v != *f.Equals {
		return fmt.Sprintf("is %q, want %q", v, *f.Equals), nil
	}
	if f.Matches != "" {
		m, err := matchRegex(v, f.Matches)
		if err != nil {
			return "", err
		}
		if !m {
			return fmt.Sprintf("%q does not match %s", v, f.Matches), nil
		}
	}
	if f.Type != "" {
		ok, err := stringHasType(v, f.Type)
		if err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf("%q is not of type %s", v, f.Type), nil
		}
	}
	return "", nil
}

// stringHasType 判断字符串形式的字段值能否解析为指定类型
func stringHasType(v, typ string) (bool, error) {
	var err error
	switch typ {
	case "string":
	case "number":
		_, err = strconv.ParseFloat(v, 64)
	case "integer":
		_, err = strconv.ParseInt(v, 10, 64)
	case "boolean":
		_, err = strconv.ParseBool(v)
	default:
		return false, fmt.Errorf("unknown field type %q", typ)
	}
	return err == nil, nil
}

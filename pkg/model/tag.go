package model

import "time"

// TagCategory 平台类别
type TagCategory string

const (
	CategoryTagManager    TagCategory = "tag_manager"
	CategoryAnalytics     TagCategory = "analytics"
	CategoryAdvertising   TagCategory = "advertising"
	CategorySessionReplay TagCategory = "session_replay"
	CategoryCDP           TagCategory = "cdp"
	CategoryOther         TagCategory = "other"
)

// LoadMethod 标签被引入页面的方式
type LoadMethod string

const (
	LoadDirect  LoadMethod = "direct"
	LoadTMS     LoadMethod = "tms"
	LoadDynamic LoadMethod = "dynamic"
	LoadUnknown LoadMethod = "unknown"
)

// Specificity 返回加载方式的确定程度，合并时取较大者
func (m LoadMethod) Specificity() int {
	switch m {
	case LoadTMS:
		return 3
	case LoadDynamic:
		return 2
	case LoadDirect:
		return 1
	default:
		return 0
	}
}

// EvidenceMethod 证据信号类型
type EvidenceMethod string

const (
	EvidenceScriptURL     EvidenceMethod = "script_url"
	EvidenceInlineScript  EvidenceMethod = "inline_script"
	EvidenceNetwork       EvidenceMethod = "network_endpoint"
	EvidencePayload       EvidenceMethod = "network_payload"
	EvidenceCookie        EvidenceMethod = "cookie"
	EvidenceDataLayer     EvidenceMethod = "datalayer_event"
	EvidenceInferredChain EvidenceMethod = "inferred"
)

// DetectionEvidence 一条支持检测结论的加权观察
type DetectionEvidence struct {
	Method     EvidenceMethod `json:"method"`
	Pattern    string         `json:"pattern"`
	Value      string         `json:"value"`
	Confidence float64        `json:"confidence"`
	Context    string         `json:"context,omitempty"`
}

// TagInstance 一次检测到的平台实例，产出后不再修改
type TagInstance struct {
	ID         string              `json:"id"`
	Platform   string              `json:"platform"`
	Name       string              `json:"name"`
	Category   TagCategory         `json:"category"`
	Confidence float64             `json:"confidence"`
	LoadMethod LoadMethod          `json:"loadMethod"`
	LoadedVia  string              `json:"loadedVia,omitempty"`
	PrimaryID  string              `json:"primaryId,omitempty"`
	IDs        []string            `json:"ids,omitempty"`
	Config     map[string]string   `json:"config,omitempty"`
	Evidence   []DetectionEvidence `json:"evidence"`
	Scripts    []string            `json:"scripts,omitempty"`
	Endpoints  []string            `json:"endpoints,omitempty"`
	RequestIDs []string            `json:"requestIds,omitempty"`
	FirstSeen  time.Time           `json:"firstSeen"`
	LastSeen   time.Time           `json:"lastSeen"`
	IsActive   bool                `json:"isActive"`
	HasErrors  bool                `json:"hasErrors"`
	Errors     []string            `json:"errors,omitempty"`
}

// DetectorError 单个检测器的失败记录
type DetectorError struct {
	Detector string `json:"detector"`
	Message  string `json:"message"`
	Timeout  bool   `json:"timeout"`
}

// DetectionSummary 检测汇总，包含低于置信度阈值而未输出的实例
type DetectionSummary struct {
	Total          int            `json:"total"`
	Emitted        int            `json:"emitted"`
	ByCategory     map[string]int `json:"byCategory"`
	ByPlatform     map[string]int `json:"byPlatform"`
	ByLoadMethod   map[string]int `json:"byLoadMethod"`
	HighConfidence int            `json:"highConfidence"`
	LowConfidence  int            `json:"lowConfidence"`
	TMSDetected    bool           `json:"tmsDetected"`
}

// DetectionResult 检测引擎输出
type DetectionResult struct {
	ScanID       ScanID           `json:"scanId,omitempty"`
	Tags         []TagInstance    `json:"tags"`
	Summary      DetectionSummary `json:"summary"`
	DetectorsRun []string         `json:"detectorsRun"`
	Errors       []DetectorError  `json:"errors"`
	Duration     time.Duration    `json:"duration"`
}

// TagsFor 返回指定平台的实例
func (r *DetectionResult) TagsFor(platform string) []TagInstance {
	if r == nil {
		return nil
	}
	var out []TagInstance
	for i := range r.Tags {
		if r.Tags[i].Platform == platform {
			out = append(out, r.Tags[i])
		}
	}
	return out
}

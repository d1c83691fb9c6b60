package detect

import (
	"regexp"

	"tagaudit/pkg/model"
)

var re = regexp.MustCompile

// 平台标识
const (
	PlatformGTM              = "gtm"
	PlatformAdobeLaunch      = "adobe_launch"
	PlatformTealium          = "tealium"
	PlatformGA4              = "ga4"
	PlatformUniversal        = "universal_analytics"
	PlatformMetaPixel        = "meta_pixel"
	PlatformAdobeAnalytics   = "adobe_analytics"
	PlatformSegment          = "segment"
	PlatformHotjar           = "hotjar"
	PlatformUnknownAnalytics = "unknown_analytics"
)

// 优先级：标签管理系统最先运行
const (
	PriorityTMS       = 100
	PriorityAnalytics = 50
	PriorityPixel     = 40
	PriorityReplay    = 30
	PriorityCatchAll  = 0
)

// Builtin 返回内置检测器，每次调用新建实例
func Builtin() []Detector {
	return []Detector{
		GTM(), AdobeLaunch(), Tealium(),
		GA4(), UniversalAnalytics(),
		MetaPixel(), AdobeAnalytics(), Segment(),
		Hotjar(),
		NewCatchAll(),
	}
}

func GTM() *Signature {
	return &Signature{
		ID: PlatformGTM, DisplayName: "Google Tag Manager", Category: model.CategoryTagManager, Prio: PriorityTMS,
		Hints: []string{"gtm.js", "gtm-", "gtm."},
		ScriptURLs: []Pattern{
			{Re: re(`googletagmanager\.com/gtm\.js\?(?:[^#]*&)?id=(GTM-[A-Z0-9]+)`), Confidence: 0.9, IDGroup: 1},
		},
		InlineScripts: []Pattern{
			{Re: re(`['"](GTM-[A-Z0-9]{4,})['"]\s*\)`), Confidence: 0.6, IDGroup: 1},
			{Re: re(`googletagmanager\.com/gtm\.js`), Confidence: 0.5},
		},
		Endpoints: []Pattern{
			{Re: re(`googletagmanager\.com/gtm\.js\?(?:[^#]*&)?id=(GTM-[A-Z0-9]+)`), Confidence: 0.8, IDGroup: 1},
			{Re: re(`googletagmanager\.com/ns\.html\?(?:[^#]*&)?id=(GTM-[A-Z0-9]+)`), Confidence: 0.6, IDGroup: 1},
		},
		Events: []EventPattern{
			{Layer: "dataLayer", Name: re(`^gtm\.(?:js|dom|load)$`), Confidence: 0.5},
		},
	}
}

func AdobeLaunch() *Signature {
	return &Signature{
		ID: PlatformAdobeLaunch, DisplayName: "Adobe Experience Platform Tags", Category: model.CategoryTagManager, Prio: PriorityTMS,
		Hints: []string{"adobedtm.com", "_satellite", "satellitelib"},
		ScriptURLs: []Pattern{
			{Re: re(`assets\.adobedtm\.com/.*?(launch-[A-Za-z0-9]+)(?:-[a-z]+)?(?:\.min)?\.js`), Confidence: 0.9, IDGroup: 1},
			{Re: re(`assets\.adobedtm\.com/.*?(satelliteLib-[a-f0-9]+)\.js`), Confidence: 0.8, IDGroup: 1},
		},
		InlineScripts: []Pattern{
			{Re: re(`_satellite\.(?:pageBottom|track)\(`), Confidence: 0.4},
		},
		Endpoints: []Pattern{
			{Re: re(`assets\.adobedtm\.com/`), Confidence: 0.6},
		},
	}
}

func Tealium() *Signature {
	return &Signature{
		ID: PlatformTealium, DisplayName: "Tealium iQ", Category: model.CategoryTagManager, Prio: PriorityTMS,
		Hints: []string{"tiqcdn.com", "tealium", "utag"},
		ScriptURLs: []Pattern{
			{Re: re(`tags\.tiqcdn\.com/utag/([^/]+/[^/]+)/[^/]+/utag(?:\.sync)?\.js`), Confidence: 0.9, IDGroup: 1},
		},
		InlineScripts: []Pattern{
			{Re: re(`utag_data\s*=`), Confidence: 0.3},
		},
		Endpoints: []Pattern{
			{Re: re(`tags\.tiqcdn\.com/utag/([^/]+/[^/]+)/`), Confidence: 0.7, IDGroup: 1},
			{Re: re(`collect\.tealiumiq\.com/`), Confidence: 0.6},
		},
		Cookies: []Pattern{
			{Re: re(`^utag_main$`), Confidence: 0.5},
		},
	}
}

func GA4() *Signature {
	return &Signature{
		ID: PlatformGA4, DisplayName: "Google Analytics 4", Category: model.CategoryAnalytics, Prio: PriorityAnalytics,
		Hints: []string{"gtag", "/g/collect", "_ga_", "g-", "config"},
		ScriptURLs: []Pattern{
			{Re: re(`googletagmanager\.com/gtag/js\?(?:[^#]*&)?id=(G-[A-Z0-9]+)`), Confidence: 0.7, IDGroup: 1},
		},
		InlineScripts: []Pattern{
			{Re: re(`gtag\(\s*['"]config['"]\s*,\s*['"](G-[A-Z0-9]+)['"]`), Confidence: 0.5, IDGroup: 1},
		},
		Endpoints: []Pattern{
			{Re: re(`(?:google-analytics\.com|analytics\.google\.com)/g/collect`), Confidence: 0.8},
		},
		Payload: []FieldPattern{
			{Source: model.SourceQuery, Key: "tid", Re: re(`^G-[A-Z0-9]+$`), Confidence: 0.6, ID: true},
			{Source: model.SourceQuery, Key: "en", Re: re(`.+`), Confidence: 0.3},
		},
		Cookies: []Pattern{
			{Re: re(`^_ga_([A-Z0-9]+)$`), Confidence: 0.4},
		},
		Events: []EventPattern{
			{Layer: "dataLayer", Name: re(`^config$`), IDPath: "args.1", IDRe: re(`^G-[A-Z0-9]+$`), Confidence: 0.5},
		},
		ConfigQuery: map[string]string{"protocolVersion": "v", "pageLocation": "dl", "pageTitle": "dt", "event": "en"},
	}
}

func UniversalAnalytics() *Signature {
	return &Signature{
		ID: PlatformUniversal, DisplayName: "Universal Analytics", Category: model.CategoryAnalytics, Prio: PriorityAnalytics,
		Hints: []string{"analytics.js", "ga.js", "google-analytics.com", "ua-", "_gat"},
		ScriptURLs: []Pattern{
			{Re: re(`google-analytics\.com/(?:analytics|ga)(?:_debug)?\.js`), Confidence: 0.7},
		},
		InlineScripts: []Pattern{
			{Re: re(`ga\(\s*['"]create['"]\s*,\s*['"](UA-\d+-\d+)['"]`), Confidence: 0.6, IDGroup: 1},
			{Re: re(`_gaq\.push\(\s*\[\s*['"]_setAccount['"]\s*,\s*['"](UA-\d+-\d+)['"]`), Confidence: 0.6, IDGroup: 1},
		},
		Endpoints: []Pattern{
			{Re: re(`google-analytics\.com/(?:[rj]/)?collect`), Confidence: 0.8},
			{Re: re(`google-analytics\.com/__utm\.gif`), Confidence: 0.8},
		},
		Payload: []FieldPattern{
			{Source: model.SourceQuery, Key: "tid", Re: re(`^UA-\d+-\d+$`), Confidence: 0.6, ID: true},
			{Source: model.SourceBody, Key: "tid", Re: re(`^UA-\d+-\d+$`), Confidence: 0.6, ID: true},
		},
		Cookies: []Pattern{
			{Re: re(`^_gat(?:_.+)?$`), Confidence: 0.3},
		},
		ConfigQuery: map[string]string{"hitType": "t", "pageLocation": "dl"},
	}
}

func MetaPixel() *Signature {
	return &Signature{
		ID: PlatformMetaPixel, DisplayName: "Meta Pixel", Category: model.CategoryAdvertising, Prio: PriorityPixel,
		Hints: []string{"fbevents", "connect.facebook.net", "facebook.com/tr", "fbq", "_fbp"},
		ScriptURLs: []Pattern{
			{Re: re(`connect\.facebook\.net/[^/]+/fbevents\.js`), Confidence: 0.7},
			{Re: re(`connect\.facebook\.net/signals/config/(\d{6,20})`), Confidence: 0.8, IDGroup: 1},
		},
		InlineScripts: []Pattern{
			{Re: re(`fbq\(\s*['"]init['"]\s*,\s*['"](\d{6,20})['"]`), Confidence: 0.6, IDGroup: 1},
		},
		Endpoints: []Pattern{
			{Re: re(`facebook\.com/tr/?\?`), Confidence: 0.8},
		},
		Payload: []FieldPattern{
			{Source: model.SourceQuery, Key: "id", Re: re(`^\d{6,20}$`), Confidence: 0.5, ID: true},
		},
		Cookies: []Pattern{
			{Re: re(`^_fbp$`), Confidence: 0.4},
		},
		ConfigQuery: map[string]string{"event": "ev"},
	}
}

func AdobeAnalytics() *Signature {
	return &Signature{
		ID: PlatformAdobeAnalytics, DisplayName: "Adobe Analytics", Category: model.CategoryAnalytics, Prio: PriorityPixel,
		Hints: []string{
			"/b/ss/", "appmeasurement", "s_code", "s_account", "s.t(", "omtrdc", "2o7",
			"amcv_", "s_cc", "s_sq", "s_vi", "s_fid", "s_ecid",
		},
		ScriptURLs: []Pattern{
			{Re: re(`(?i)(?:AppMeasurement|s_code)(?:\.min)?\.js`), Confidence: 0.6},
		},
		InlineScripts: []Pattern{
			{Re: re(`s_account\s*=\s*['"]([^'"]+)['"]`), Confidence: 0.5, IDGroup: 1},
			{Re: re(`\bs\.t\(\s*\)`), Confidence: 0.3},
		},
		Endpoints: []Pattern{
			{Re: re(`/b/ss/([^/?]+)/\d`), Confidence: 0.8, IDGroup: 1},
		},
		Cookies: []Pattern{
			{Re: re(`^s_(?:cc|sq|vi|fid|ecid)$`), Confidence: 0.3},
			{Re: re(`^AMCV_`), Confidence: 0.2},
		},
		ConfigQuery: map[string]string{"pageName": "pageName", "events": "events"},
	}
}

func Segment() *Signature {
	return &Signature{
		ID: PlatformSegment, DisplayName: "Segment", Category: model.CategoryCDP, Prio: PriorityPixel,
		Hints: []string{"segment", "analytics.load", "ajs_"},
		ScriptURLs: []Pattern{
			{Re: re(`cdn\.segment\.com/analytics\.js/v1/([A-Za-z0-9]+)/analytics(?:\.min)?\.js`), Confidence: 0.8, IDGroup: 1},
		},
		InlineScripts: []Pattern{
			{Re: re(`analytics\.load\(\s*['"]([A-Za-z0-9]+)['"]`), Confidence: 0.6, IDGroup: 1},
		},
		Endpoints: []Pattern{
			{Re: re(`api\.segment\.io/v1/(?:t|p|i|g|batch|track|page|identify)`), Confidence: 0.8},
		},
		Payload: []FieldPattern{
			{Source: model.SourceBody, Key: "writeKey", Re: re(`^[A-Za-z0-9]+$`), Confidence: 0.4, ID: true},
		},
		Cookies: []Pattern{
			{Re: re(`^ajs_(?:anonymous|user)_id$`), Confidence: 0.4},
		},
	}
}

func Hotjar() *Signature {
	return &Signature{
		ID: PlatformHotjar, DisplayName: "Hotjar", Category: model.CategorySessionReplay, Prio: PriorityReplay,
		Hints: []string{"hotjar", "_hj", "hjid"},
		ScriptURLs: []Pattern{
			{Re: re(`static\.hotjar\.com/c/hotjar-(\d+)\.js`), Confidence: 0.8, IDGroup: 1},
		},
		InlineScripts: []Pattern{
			{Re: re(`hjid\s*:\s*(\d+)`), Confidence: 0.6, IDGroup: 1},
		},
		Endpoints: []Pattern{
			{Re: re(`(?:in|vc|content|vars|ws)\.hotjar\.(?:com|io)`), Confidence: 0.6},
		},
		Cookies: []Pattern{
			{Re: re(`^_hj`), Confidence: 0.3},
		},
	}
}

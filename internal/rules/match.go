package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// 匹配模式
const (
	MatchContains = "contains"
	MatchPrefix   = "prefix"
	MatchExact    = "exact"
	MatchRegex    = "regex"
	MatchGlob     = "glob"
)

type regexCacheT struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

func (c *regexCacheT) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.m[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.m[pattern] = re
	c.mu.Unlock()
	return re, nil
}

var regexCache = &regexCacheT{m: make(map[string]*regexp.Regexp)}

// matcher 预编译的匹配函数
type matcher func(string) bool

// compileMatcher 按模式编译匹配函数；mode 为空时使用 def
func compileMatcher(mode, def, pattern string) (matcher, error) {
	if mode == "" {
		mode = def
	}
	switch mode {
	case MatchContains:
		return func(s string) bool { return strings.Contains(s, pattern) }, nil
	case MatchPrefix:
		return func(s string) bool { return strings.HasPrefix(s, pattern) }, nil
	case MatchExact:
		return func(s string) bool { return s == pattern }, nil
	case MatchRegex:
		re, err := regexCache.Get(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		return re.MatchString, nil
	case MatchGlob:
		if pattern == "*" {
			return func(string) bool { return true }, nil
		}
		re, err := regexCache.Get(globToRegex(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		return re.MatchString, nil
	default:
		return nil, fmt.Errorf("unknown match mode %q", mode)
	}
}

// globToRegex 支持 * 与 ?
func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func matchRegex(s, pattern string) (bool, error) {
	re, err := regexCache.Get(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return re.MatchString(s), nil
}

func formatFloat(f float64) string {
	if float64(int64(f)) == f {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

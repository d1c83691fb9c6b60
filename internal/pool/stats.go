package pool

import "time"

// SlotStats 单个浏览器槽位的状态
type SlotStats struct {
	ID       string        `json:"id"`
	Contexts int           `json:"contexts"`
	Age      time.Duration `json:"age"`
	Idle     time.Duration `json:"idle"`
	Retired  bool          `json:"retired"`
}

// Stats 池状态快照
type Stats struct {
	Browsers    int         `json:"browsers"`
	Launching   int         `json:"launching"`
	Contexts    int         `json:"contexts"`
	Leases      int         `json:"leases"`
	Waiting     int         `json:"waiting"`
	Capacity    int         `json:"capacity"`
	Disconnects int         `json:"disconnects"`
	Draining    bool        `json:"draining"`
	Slots       []SlotStats `json:"slots"`
}

// Stats 返回只读快照
func (p *Pool) Stats() Stats {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Browsers:    len(p.slots),
		Launching:   p.launching,
		Leases:      len(p.leases),
		Waiting:     len(p.queue),
		Capacity:    p.cfg.Capacity(),
		Disconnects: p.disconnects,
		Draining:    p.draining,
		Slots:       make([]SlotStats, 0, len(p.slots)),
	}
	for _, s := range p.slots {
		st.Contexts += s.contexts
		st.Slots = append(st.Slots, SlotStats{
			ID:       s.id,
			Contexts: s.contexts,
			Age:      now.Sub(s.launchedAt),
			Idle:     now.Sub(s.lastUsed),
			Retired:  s.retired,
		})
	}
	return st
}

// IsHealthy 池未关闭，且未出现"有浏览器断开同时没有剩余容量"的情况
func (p *Pool) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return false
	}
	if p.disconnects == 0 {
		return true
	}
	if len(p.slots)+p.launching < p.cfg.MaxBrowsers {
		return true
	}
	return p.pickSlotLocked() != nil
}

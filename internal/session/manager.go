package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tagaudit/internal/logger"
	"tagaudit/internal/scanner"
	"tagaudit/pkg/model"
)

var (
	ErrExists   = errors.New("scan already registered")
	ErrNotFound = errors.New("scan not found")
)

// Session 一次进行中的扫描
type Session struct {
	mu     sync.Mutex
	info   model.ActiveScan
	cancel context.CancelFunc
}

// SetPhase 记录扫描阶段，可作为 scanner.Request.OnPhase
func (s *Session) SetPhase(p scanner.Phase) {
	s.mu.Lock()
	s.info.Phase = string(p)
	s.info.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// Info 返回快照
func (s *Session) Info() model.ActiveScan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Manager 进行中扫描的注册表
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.ScanID]*Session
	log      logger.Logger
}

// NewManager 创建注册表
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.ScanID]*Session),
		log:      l,
	}
}

// Create 登记扫描；cancel 用于外部中止，可为 nil
func (m *Manager) Create(id model.ScanID, url string, cancel context.CancelFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, ErrExists
	}
	now := time.Now()
	s := &Session{
		info:   model.ActiveScan{ID: id, URL: url, Phase: string(scanner.PhaseQueued), StartedAt: now, UpdatedAt: now},
		cancel: cancel,
	}
	m.sessions[id] = s
	m.log.Debug("登记扫描", "scan", string(id), "url", url)
	return s, nil
}

// Get 获取扫描
func (m *Manager) Get(id model.ScanID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 注销扫描
func (m *Manager) Delete(id model.ScanID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	m.log.Debug("注销扫描", "scan", string(id))
}

// Cancel 中止进行中的扫描
func (m *Manager) Cancel(id model.ScanID) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	if s.cancel != nil {
		s.cancel()
	}
	m.log.Info("取消扫描", "scan", string(id))
	return nil
}

// List 按开始时间返回所有进行中扫描
func (m *Manager) List() []model.ActiveScan {
	m.mu.RLock()
	list := make([]model.ActiveScan, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.Before(list[j].StartedAt)
	})
	return list
}

package study

import (
	"fmt"
	"sync"
	"time"
)

// Provider supplies the current study configuration
type Provider interface {
	// Study returns the loaded study, loading it first if needed
	Study() (*Study, error)
}

// StaticProvider always returns the same study
type StaticProvider struct {
	study *Study
}

// NewStaticProvider wraps an already loaded study
func NewStaticProvider(s *Study) *StaticProvider {
	return &StaticProvider{study: s}
}

// Study returns the wrapped study
func (p *StaticProvider) Study() (*Study, error) {
	if p.study == nil {
		return nil, &ConfigError{Entity: "study", Reason: "no study loaded"}
	}
	return p.study, nil
}

// ProviderConfig holds reload behavior for FileProvider
type ProviderConfig struct {
	// TTL is how long a loaded study is served before the file is read again.
	// Zero means until Invalidate or Reload is called.
	TTL time.Duration
}

// DefaultProviderConfig loads once and reloads only on demand
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{TTL: 0}
}

// FileProvider loads the study from a YAML file and keeps it in memory.
// A failed reload keeps serving the previous study.
type FileProvider struct {
	path     string
	config   ProviderConfig
	check    func(*Study) error
	study    *Study
	loadedAt time.Time
	mu       sync.RWMutex
}

// NewFileProvider creates a provider for the study file at path. check, when
// non-nil, runs on every loaded study before it replaces the current one.
func NewFileProvider(path string, config ProviderConfig, check func(*Study) error) *FileProvider {
	return &FileProvider{
		path:   path,
		config: config,
		check:  check,
	}
}

// Study returns the cached study, loading it when missing or expired
func (p *FileProvider) Study() (*Study, error) {
	p.mu.RLock()
	s, valid := p.study, p.isValidLocked()
	p.mu.RUnlock()

	if valid {
		return s, nil
	}
	return p.Reload()
}

// Reload reads the study file again
func (p *FileProvider) Reload() (*Study, error) {
	s, err := Load(p.path)
	if err == nil && p.check != nil {
		err = p.check(s)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if p.study != nil {
			return p.study, fmt.Errorf("reload failed, keeping previous study: %w", err)
		}
		return nil, err
	}

	p.study = s
	p.loadedAt = time.Now()
	return s, nil
}

// Invalidate forces the next Study call to read the file
func (p *FileProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadedAt = time.Time{}
}

// LoadedAt returns when the current study was loaded
func (p *FileProvider) LoadedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loadedAt
}

func (p *FileProvider) isValidLocked() bool {
	if p.study == nil || p.loadedAt.IsZero() {
		return false
	}
	if p.config.TTL > 0 {
		return time.Since(p.loadedAt) <= p.config.TTL
	}
	return true
}

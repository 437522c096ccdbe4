package config

import (
	"sync/atomic"
)

// Source holds the current Policy. Readers always get the latest stored
// value; Store swaps it atomically.
type Source struct {
	policy atomic.Pointer[Policy]
}

// NewSource returns a source holding p. It does not validate p.
func NewSource(p Policy) *Source {
	s := &Source{}
	s.policy.Store(&p)
	return s
}

// Policy returns the current thresholds.
func (s *Source) Policy() Policy {
	return *s.policy.Load()
}

// Store validates p and makes it current.
func (s *Source) Store(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(&p)
	return nil
}

// Reload loads the file at path and stores its policy.
func (s *Source) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	return s.Store(cfg.Policy())
}

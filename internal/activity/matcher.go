// Package activity decides whether a running process counts as a PlayTime
// activity.
package activity

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goodtune/ktime/internal/policy"
)

// DefaultCacheSize bounds the number of compiled masks kept in memory.
const DefaultCacheSize = 512

// Matcher reports whether a process identity matches an activity mask.
type Matcher interface {
	Match(process string) bool
}

type substring string

func (s substring) Match(process string) bool {
	return strings.Contains(process, string(s))
}

type pattern struct {
	g glob.Glob
}

func (p pattern) Match(process string) bool {
	return p.g.Match(process)
}

// Compile builds the matcher for one mask. Masks containing glob
// metacharacters are compiled as globs, anything else matches as a
// case-sensitive substring.
func Compile(mask string) (Matcher, error) {
	if mask == "" {
		return nil, fmt.Errorf("empty activity mask")
	}
	if !strings.ContainsAny(mask, "*?[{") {
		return substring(mask), nil
	}
	g, err := glob.Compile(mask)
	if err != nil {
		return nil, fmt.Errorf("invalid activity mask %q: %w", mask, err)
	}
	return pattern{g: g}, nil
}

// Set matches process lists against ordered activity lists, caching
// compiled masks.
type Set struct {
	cache *lru.Cache[string, Matcher]
}

// NewSet creates a matcher set with room for size compiled masks.
func NewSet(size int) (*Set, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, Matcher](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create matcher cache: %w", err)
	}
	return &Set{cache: cache}, nil
}

func (s *Set) matcher(mask string) (Matcher, error) {
	if m, ok := s.cache.Get(mask); ok {
		return m, nil
	}
	m, err := Compile(mask)
	if err != nil {
		return nil, err
	}
	s.cache.Add(mask, m)
	return m, nil
}

// FirstMatch returns the first activity, in list order, that matches any
// of the processes. Masks that fail to compile never match.
func (s *Set) FirstMatch(activities []policy.Activity, processes []string) (policy.Activity, bool) {
	if len(processes) == 0 {
		return policy.Activity{}, false
	}
	for _, a := range activities {
		m, err := s.matcher(a.Mask)
		if err != nil {
			continue
		}
		for _, proc := range processes {
			if m.Match(proc) {
				return a, true
			}
		}
	}
	return policy.Activity{}, false
}

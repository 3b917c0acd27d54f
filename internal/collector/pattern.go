package collector

import (
	"strings"

	"github.com/probeline/probeline/internal/resolver"
	"github.com/probeline/probeline/internal/ringbuf"
)

// PatternKind is the syntactic class of a trace pattern.
type PatternKind int

const (
	// PatternExact matches one qualified name, e.g. "foo::bar".
	PatternExact PatternKind = iota
	// PatternSingleGlob matches within one namespace level, e.g. "foo::*".
	PatternSingleGlob
	// PatternDeepGlob matches recursively, e.g. "foo::**".
	PatternDeepGlob
	// PatternFileSelector matches by source path, e.g. "src/handlers/".
	PatternFileSelector
	// PatternAlias is a semantic alias, e.g. "@usercode".
	PatternAlias
)

// KindOf classifies a pattern string by syntax alone.
func KindOf(pattern string) PatternKind {
	switch {
	case strings.HasPrefix(pattern, "@"):
		return PatternAlias
	case strings.Contains(pattern, "**"):
		return PatternDeepGlob
	case strings.ContainsAny(pattern, "/\\"):
		return PatternFileSelector
	case strings.Contains(pattern, "*"):
		return PatternSingleGlob
	default:
		return PatternExact
	}
}

// ExpandAlias rewrites semantic aliases into concrete patterns.
// "@usercode" expands to everything under the project root.
func ExpandAlias(pattern, projectRoot string) string {
	if pattern == "@usercode" {
		return strings.TrimRight(projectRoot, "/") + "/**"
	}
	return pattern
}

// ModeFor decides the hook mode for a pattern given its resolved match
// count. Narrow patterns always get full capture. Broad patterns get
// light capture unless they resolved to few enough matches to afford
// full capture.
func ModeFor(kind PatternKind, matchCount, promotionThreshold int) ringbuf.HookMode {
	switch kind {
	case PatternExact, PatternSingleGlob:
		return ringbuf.ModeFull
	default:
		if matchCount <= promotionThreshold {
			return ringbuf.ModeFull
		}
		return ringbuf.ModeLight
	}
}

// InstallBatch is one mode-homogeneous batch of resolved targets.
type InstallBatch struct {
	Mode    ringbuf.HookMode
	Targets []resolver.FunctionTarget
}

// Partition splits resolved pattern matches into at most two install
// batches, one per mode present. Pattern order is preserved within a
// batch; the full batch, if present, comes first.
func Partition(resolved map[string][]resolver.FunctionTarget, patterns []string, promotionThreshold int) []InstallBatch {
	var full, light []resolver.FunctionTarget

	for _, p := range patterns {
		targets := resolved[p]
		if len(targets) == 0 {
			continue
		}
		switch ModeFor(KindOf(p), len(targets), promotionThreshold) {
		case ringbuf.ModeFull:
			full = append(full, targets...)
		case ringbuf.ModeLight:
			light = append(light, targets...)
		}
	}

	batches := make([]InstallBatch, 0, 2)
	if len(full) > 0 {
		batches = append(batches, InstallBatch{Mode: ringbuf.ModeFull, Targets: full})
	}
	if len(light) > 0 {
		batches = append(batches, InstallBatch{Mode: ringbuf.ModeLight, Targets: light})
	}
	return batches
}

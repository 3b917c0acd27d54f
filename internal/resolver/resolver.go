// Package resolver defines the symbol resolution surface consumed by the
// instrumentation pipeline. Concrete resolvers (DWARF, interpreter
// runtimes) live outside this system; the pipeline only depends on the
// interface.
package resolver

// FunctionTarget is a function resolved to a hookable location. The
// address is relative to the binary's image base; the runtime address is
// address + image base.
type FunctionTarget struct {
	Address    uint64
	Name       string
	NameRaw    string
	SourceFile string
	Line       int
}

// Resolver resolves a trace pattern to concrete function targets.
type Resolver interface {
	// Resolve returns all functions matching the pattern. An empty
	// result is not an error; callers report zero installed hooks.
	Resolve(pattern, projectRoot string) ([]FunctionTarget, error)
}

// Static is a map-backed resolver keyed by pattern. It backs tests and
// the loopback engine, where the target set is known up front.
type Static struct {
	targets map[string][]FunctionTarget
}

// NewStatic creates an empty static resolver.
func NewStatic() *Static {
	return &Static{targets: make(map[string][]FunctionTarget)}
}

// Add registers targets for a pattern.
func (s *Static) Add(pattern string, targets ...FunctionTarget) {
	s.targets[pattern] = append(s.targets[pattern], targets...)
}

// Resolve implements Resolver.
func (s *Static) Resolve(pattern, projectRoot string) ([]FunctionTarget, error) {
	return s.targets[pattern], nil
}

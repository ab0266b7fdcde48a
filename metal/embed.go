// Package metal provides the Metal kernels shipped with metalpipe. They follow
// the calling convention of the dispatch engine: input at buffer(0), output at
// buffer(1), one thread per element.
package metal

import (
	_ "embed"
	"sort"
)

var (
	//go:embed kernels/identity.metal
	identitySource string

	//go:embed kernels/double.metal
	doubleSource string

	//go:embed kernels/square.metal
	squareSource string
)

// Kernel is a built-in kernel source and the entry point to run.
type Kernel struct {
	Name       string
	EntryPoint string
	Source     string
	// ElementSize is the number of bytes each thread processes. Zero means
	// the element type chosen on the command line decides.
	ElementSize int
}

var builtins = map[string]Kernel{
	"identity": {Name: "identity", EntryPoint: "identity", Source: identitySource, ElementSize: 1},
	"double":   {Name: "double", EntryPoint: "compute_main", Source: doubleSource, ElementSize: 4},
	"square":   {Name: "square", EntryPoint: "square", Source: squareSource, ElementSize: 4},
}

// Builtin returns the built-in kernel called name.
func Builtin(name string) (Kernel, bool) {
	k, ok := builtins[name]
	return k, ok
}

// Builtins returns every built-in kernel ordered by name.
func Builtins() []Kernel {
	out := make([]Kernel, 0, len(builtins))
	for _, k := range builtins {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

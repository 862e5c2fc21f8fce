// Package compiler turns user-authored TypeScript into the JavaScript the
// sandbox evaluates. Compilation is a pure CPU-bound function: no I/O, no
// shared state, safe to call from any goroutine.
package compiler

import (
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// Compiled is the output of one successful compilation.
type Compiled struct {
	// Output is the compiled JavaScript.
	Output string
	// SourceMap is the raw JSON source map, kept verbatim so the error
	// translator can decode it lazily.
	SourceMap []byte
}

// Compile transpiles TypeScript source to ES2022 JavaScript with an
// external source map. Compile errors from every message are aggregated
// into a single error; partial output is never returned.
func Compile(source string) (*Compiled, error) {
	result := api.Transform(source, api.TransformOptions{
		Loader:      api.LoaderTS,
		Target:      api.ES2022,
		Format:      api.FormatIIFE,
		TreeShaking: api.TreeShakingFalse,
		Sourcemap:   api.SourceMapExternal,
		Sourcefile:  "script.ts",
		LogLevel:    api.LogLevelSilent,
	})

	if len(result.Errors) > 0 {
		return nil, compileError(result.Errors)
	}

	return &Compiled{
		Output:    string(result.Code),
		SourceMap: result.Map,
	}, nil
}

func compileError(msgs []api.Message) error {
	var b strings.Builder
	for i, msg := range msgs {
		if i > 0 {
			b.WriteString("; ")
		}
		if msg.Location != nil {
			fmt.Fprintf(&b, "%d:%d: ", msg.Location.Line, msg.Location.Column)
		}
		b.WriteString(msg.Text)
	}
	return fmt.Errorf("typescript compilation failed: %s", b.String())
}

package sandbox

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-sourcemap/sourcemap"
	v8 "github.com/ionos-cloud/v8go"

	"github.com/oriys/quasar/internal/scriptstore"
)

// stackFrameRe matches V8 stack frame locations in guild script modules,
// e.g. "at handle (file:///guild_scripts/foo.js:12:5)".
var stackFrameRe = regexp.MustCompile(`file:///guild_scripts/([^/:)]+)\.js:(\d+):(\d+)`)

// TranslateScriptError rewrites compiled-JS positions in a script error back
// to the original TypeScript using the stored source maps. Errors that carry
// no stack (or reference no guild script) come back formatted as-is.
func TranslateScriptError(scripts *scriptstore.Store, err error) string {
	jsErr, ok := err.(*v8.JSError)
	if !ok {
		return err.Error()
	}

	out := jsErr.Message
	if jsErr.StackTrace != "" {
		out = jsErr.StackTrace
	} else if jsErr.Location != "" {
		out = fmt.Sprintf("%s (%s)", jsErr.Message, jsErr.Location)
	}

	if scripts == nil {
		return out
	}

	consumers := make(map[string]*sourcemap.Consumer)

	return stackFrameRe.ReplaceAllStringFunc(out, func(frame string) string {
		match := stackFrameRe.FindStringSubmatch(frame)
		name := match[1]
		line, _ := strconv.Atoi(match[2])
		col, _ := strconv.Atoi(match[3])

		consumer, seen := consumers[name]
		if !seen {
			raw := scripts.ResolveSourceMap(name)
			if raw != nil {
				c, perr := sourcemap.Parse(ModuleURL(name), raw)
				if perr == nil {
					consumer = c
				}
			}
			consumers[name] = consumer
		}
		if consumer == nil {
			return frame
		}

		_, _, srcLine, srcCol, ok := consumer.Source(line, col)
		if !ok {
			return frame
		}
		return fmt.Sprintf("%s.ts:%d:%d", name, srcLine, srcCol)
	})
}

// ScriptNameFromError extracts the guild script name a stack points at, if
// any, so errors can be attributed in the guild log.
func ScriptNameFromError(err error) string {
	jsErr, ok := err.(*v8.JSError)
	if !ok {
		return ""
	}
	for _, s := range []string{jsErr.StackTrace, jsErr.Location} {
		if m := stackFrameRe.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

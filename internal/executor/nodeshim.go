package executor

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/dop251/goja"
	"github.com/microcosm-cc/bluemonday"
)

// installNodeCompatShim installs the subset of Node.js globals and built-in
// modules plugins are allowed to assume exist: require("fs"),
// require("fs/promises"), require("path"), require("crypto") (SHA-2 digests
// only), require("url"), require("querystring"), require("buffer"),
// require("os"), require("util"), plus the Buffer, process, __dirname, and
// __filename globals. Every module function that reaches outside the
// runtime (the filesystem) or that has a dedicated capability (crypto
// digests, gated by CapabilityCryptoHash) is checked against the Engine's
// CapabilitySet; modules that only transform in-memory data with no
// capability of their own (path, querystring, url, util) are always
// available.
func installNodeCompatShim(rt *goja.Runtime, e *Engine) {
	modules := map[string]goja.Value{
		"path":        buildPathModule(rt),
		"crypto":      buildCryptoModule(rt, e),
		"url":         buildURLModule(rt),
		"querystring": buildQuerystringModule(rt),
		"buffer":      buildBufferModule(rt),
		"os":          buildOSModule(rt),
		"util":        buildUtilModule(rt),
		"fs":          buildFSModule(rt, e),
		"fs/promises": buildFSPromisesModule(rt, e),
	}

	rt.Set("html", buildHTMLSanitizeModule(rt, e))

	rt.Set("require", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("require: missing module name"))
		}
		name := call.Arguments[0].String()
		mod, ok := modules[name]
		if !ok {
			panic(rt.NewTypeError(fmt.Sprintf("require: unknown module %q", name)))
		}
		return mod
	})

	process := rt.NewObject()
	process.Set("env", rt.NewObject())
	process.Set("platform", "sandbox")
	process.Set("version", "v0-sandbox")
	process.Set("argv", rt.NewArray())
	rt.Set("process", process)

	rt.Set("__dirname", "/plugin")
	rt.Set("__filename", "/plugin/index.js")

	bufferCtor := buildBufferModule(rt).(*goja.Object).Get("Buffer")
	rt.Set("Buffer", bufferCtor)
}

func buildPathModule(rt *goja.Runtime) goja.Value {
	m := rt.NewObject()
	m.Set("join", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		return rt.ToValue(path.Join(parts...))
	})
	m.Set("basename", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(path.Base(arg0(call)))
	})
	m.Set("dirname", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(path.Dir(arg0(call)))
	})
	m.Set("extname", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(path.Ext(arg0(call)))
	})
	m.Set("resolve", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		p := path.Join(parts...)
		if !path.IsAbs(p) {
			p = path.Join("/", p)
		}
		return rt.ToValue(p)
	})
	m.Set("sep", "/")
	return m
}

func buildCryptoModule(rt *goja.Runtime, e *Engine) goja.Value {
	m := rt.NewObject()
	m.Set("createHash", func(call goja.FunctionCall) goja.Value {
		if !e.checkCapability(CapabilityCryptoHash) {
			panic(rt.NewTypeError("crypto.createHash: permission denied"))
		}
		algo := strings.ToLower(arg0(call))
		h := rt.NewObject()
		var buf []byte
		h.Set("update", func(inner goja.FunctionCall) goja.Value {
			if len(inner.Arguments) > 0 {
				buf = append(buf, []byte(inner.Arguments[0].String())...)
			}
			return h
		})
		h.Set("digest", func(inner goja.FunctionCall) goja.Value {
			sum, err := hashSum(algo, buf)
			if err != nil {
				panic(rt.NewTypeError(err.Error()))
			}
			encoding := "hex"
			if len(inner.Arguments) > 0 {
				encoding = inner.Arguments[0].String()
			}
			switch encoding {
			case "base64":
				return rt.ToValue(base64.StdEncoding.EncodeToString(sum))
			default:
				return rt.ToValue(hex.EncodeToString(sum))
			}
		})
		return h
	})
	return m
}

func hashSum(algo string, data []byte) ([]byte, error) {
	switch algo {
	case "sha256":
		sum := sha256.Sum256(data)
		return sum[:], nil
	case "sha384":
		sum := sha512.Sum384(data)
		return sum[:], nil
	case "sha512":
		sum := sha512.Sum512(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("crypto.createHash: unsupported algorithm %q (only sha256, sha384, sha512)", algo)
	}
}

func buildURLModule(rt *goja.Runtime) goja.Value {
	m := rt.NewObject()
	m.Set("parse", func(call goja.FunctionCall) goja.Value {
		u, err := url.Parse(arg0(call))
		if err != nil {
			panic(rt.NewTypeError(err.Error()))
		}
		out := rt.NewObject()
		out.Set("protocol", strings.TrimSuffix(u.Scheme, ":")+":")
		out.Set("host", u.Host)
		out.Set("hostname", u.Hostname())
		out.Set("port", u.Port())
		out.Set("pathname", u.Path)
		out.Set("search", u.RawQuery)
		out.Set("hash", u.Fragment)
		return out
	})
	return m
}

func buildQuerystringModule(rt *goja.Runtime) goja.Value {
	m := rt.NewObject()
	m.Set("parse", func(call goja.FunctionCall) goja.Value {
		values, err := url.ParseQuery(arg0(call))
		if err != nil {
			panic(rt.NewTypeError(err.Error()))
		}
		out := rt.NewObject()
		for k, v := range values {
			if len(v) == 1 {
				out.Set(k, v[0])
			} else {
				out.Set(k, v)
			}
		}
		return out
	})
	m.Set("stringify", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return rt.ToValue("")
		}
		obj := call.Arguments[0].ToObject(rt)
		values := url.Values{}
		for _, k := range obj.Keys() {
			values.Set(k, obj.Get(k).String())
		}
		return rt.ToValue(values.Encode())
	})
	return m
}

// buildBufferModule exposes a minimal Buffer: base64/hex/utf8 encode-decode
// backed by a plain string, enough for plugins that hash or transcode
// payloads without needing a real byte-array type in JS.
func buildBufferModule(rt *goja.Runtime) goja.Value {
	m := rt.NewObject()
	bufferCtor := rt.NewObject()
	bufferCtor.Set("from", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("Buffer.from: missing argument"))
		}
		data := call.Arguments[0].String()
		encoding := "utf8"
		if len(call.Arguments) > 1 {
			encoding = call.Arguments[1].String()
		}
		decoded := data
		switch encoding {
		case "base64":
			if raw, err := base64.StdEncoding.DecodeString(data); err == nil {
				decoded = string(raw)
			}
		case "hex":
			if raw, err := hex.DecodeString(data); err == nil {
				decoded = string(raw)
			}
		}
		out := rt.NewObject()
		out.Set("toString", func(inner goja.FunctionCall) goja.Value {
			enc := "utf8"
			if len(inner.Arguments) > 0 {
				enc = inner.Arguments[0].String()
			}
			switch enc {
			case "base64":
				return rt.ToValue(base64.StdEncoding.EncodeToString([]byte(decoded)))
			case "hex":
				return rt.ToValue(hex.EncodeToString([]byte(decoded)))
			default:
				return rt.ToValue(decoded)
			}
		})
		out.Set("length", len(decoded))
		return out
	})
	m.Set("Buffer", bufferCtor)
	return m
}

func buildOSModule(rt *goja.Runtime) goja.Value {
	m := rt.NewObject()
	m.Set("platform", func(goja.FunctionCall) goja.Value { return rt.ToValue("sandbox") })
	m.Set("tmpdir", func(goja.FunctionCall) goja.Value { return rt.ToValue("/tmp") })
	m.Set("EOL", "\n")
	return m
}

func buildUtilModule(rt *goja.Runtime) goja.Value {
	m := rt.NewObject()
	m.Set("format", func(call goja.FunctionCall) goja.Value {
		parts := make([]interface{}, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		return rt.ToValue(fmt.Sprint(parts...))
	})
	m.Set("inspect", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return rt.ToValue("undefined")
		}
		return rt.ToValue(fmt.Sprintf("%+v", call.Arguments[0].Export()))
	})
	return m
}

// buildFSModule exposes a read-only, capability-gated subset of fs: the
// sandbox never mounts a filesystem for plugins, so readFileSync always
// throws (permission denied without CapabilityFSRead, "no such file" with
// it) and existsSync always returns false.
func buildFSModule(rt *goja.Runtime, e *Engine) goja.Value {
	m := rt.NewObject()
	m.Set("readFileSync", func(call goja.FunctionCall) goja.Value {
		if !e.checkCapability(CapabilityFSRead) {
			panic(rt.NewTypeError("fs.readFileSync: permission denied"))
		}
		panic(rt.NewTypeError(fmt.Sprintf("fs.readFileSync: no such file %q", arg0(call))))
	})
	m.Set("existsSync", func(call goja.FunctionCall) goja.Value {
		if !e.checkCapability(CapabilityFSRead) {
			return rt.ToValue(false)
		}
		return rt.ToValue(false)
	})
	return m
}

func buildFSPromisesModule(rt *goja.Runtime, e *Engine) goja.Value {
	m := rt.NewObject()
	m.Set("readFile", func(call goja.FunctionCall) goja.Value {
		promise, _, reject := rt.NewPromise()
		if !e.checkCapability(CapabilityFSRead) {
			reject(rt.NewTypeError("fs.promises.readFile: permission denied"))
		} else {
			reject(rt.NewTypeError(fmt.Sprintf("fs.promises.readFile: no such file %q", arg0(call))))
		}
		return rt.ToValue(promise)
	})
	return m
}

// buildHTMLSanitizeModule exposes html.sanitize backed by bluemonday's UGC
// policy, gated by CapabilityHTMLSanitize.
func buildHTMLSanitizeModule(rt *goja.Runtime, e *Engine) goja.Value {
	m := rt.NewObject()
	m.Set("sanitize", func(call goja.FunctionCall) goja.Value {
		if !e.checkCapability(CapabilityHTMLSanitize) {
			panic(rt.NewTypeError("html.sanitize: permission denied"))
		}
		return rt.ToValue(htmlSanitizePolicy.Sanitize(arg0(call)))
	})
	return m
}

// htmlSanitizePolicy backs both the sandbox's html.sanitize and SanitizeHTML,
// the host-side equivalent a caller can use without going through a plugin.
var htmlSanitizePolicy = bluemonday.UGCPolicy()

// SanitizeHTML strips unsafe markup from s using the same policy the
// sandbox's html.sanitize exposes to plugins. It does not consult any
// CapabilitySet: it is for host code calling outside the sandbox entirely.
func SanitizeHTML(s string) string {
	return htmlSanitizePolicy.Sanitize(s)
}

func arg0(call goja.FunctionCall) string {
	if len(call.Arguments) == 0 {
		return ""
	}
	return call.Arguments[0].String()
}

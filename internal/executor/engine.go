package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"golang.org/x/time/rate"

	apperrors "github.com/o0x1024/sentinel-plugin-runtime/infrastructure/errors"
	"github.com/o0x1024/sentinel-plugin-runtime/infrastructure/logging"
)

// permissionDeniedMarker appears in every host-API rejection raised because
// a capability was not granted, so classifyCallError can tell a permission
// failure apart from an ordinary script error without goja exposing a
// typed exception value.
const permissionDeniedMarker = "permission denied"

// ErrKind classifies an Engine-level failure the way the Worker and
// Executor need to distinguish them: a load failure is fatal for the
// Executor until the code is replaced, a script failure is not.
type ErrKind int

const (
	ErrKindNone ErrKind = iota
	ErrKindLoad
	ErrKindScript
	ErrKindPermissionDenied
	ErrKindInternal
)

// EngineError wraps an Engine-level failure with its classification.
type EngineError struct {
	Kind ErrKind
	Err  error
}

func (e *EngineError) Error() string { return e.Err.Error() }
func (e *EngineError) Unwrap() error { return e.Err }

func newEngineError(kind ErrKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// consoleLogRate bounds console.* calls to this many per second (with a burst
// of the same size), shared across every call for the Engine's lifetime;
// calls over the limit are dropped silently. This satisfies the log-flood
// testable property (a plugin that logs 200 times per call must not slow
// scans by more than a constant factor).
const consoleLogRate = 500

// Engine is a single-threaded embedding of a JavaScript runtime with a
// small host-API surface. It owns all non-transferable handles and must be
// constructed, used, and destroyed on a single OS thread — see Worker.
type Engine struct {
	rt           *goja.Runtime
	caps         CapabilitySet
	logger       *logging.Logger
	pluginID     string
	scanFn       goja.Callable
	invokeFn     goja.Callable
	hasScanFn    bool
	hasInvokeFn  bool
	limiter      *rate.Limiter
	mu           sync.Mutex // guards findings accumulated during the current call
	findings     []Finding
	loadedOnce   bool
}

// NewEngine constructs a runtime on the calling thread. Callers (the
// Worker) must guarantee this is never invoked twice in quick succession on
// the same OS thread: the previous Engine's teardown is not observably
// complete the instant Close returns, and a second construction on the
// same thread would race with that teardown. The only safe path is
// "terminate the thread, start a new one."
func NewEngine(caps CapabilitySet, logger *logging.Logger) *Engine {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	e := &Engine{
		rt:      rt,
		caps:    caps,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(consoleLogRate), consoleLogRate),
	}
	e.installHostAPI()
	installNodeCompatShim(rt, e)
	return e
}

// Load compiles and initializes the module, binding its exported entry
// points. It must be called exactly once per Engine instance.
func (e *Engine) Load(code PluginCode, metadata PluginMetadata) error {
	if e.loadedOnce {
		return newEngineError(ErrKindInternal, "engine already loaded")
	}
	e.loadedOnce = true
	e.pluginID = metadata.ID

	wrapped := "(function(module, exports){\n" + code.Source + "\n})(module, module.exports);"
	if _, err := e.rt.RunString(wrapped); err != nil {
		if exc, ok := err.(*goja.Exception); ok {
			return newEngineError(ErrKindLoad, "plugin %s: syntax/link error: %s", metadata.ID, exc.Error())
		}
		return newEngineError(ErrKindLoad, "plugin %s: %w", metadata.ID, err)
	}

	moduleVal := e.rt.Get("module")
	if moduleVal == nil {
		return newEngineError(ErrKindLoad, "plugin %s: module global missing after load", metadata.ID)
	}
	exportsVal := moduleVal.ToObject(e.rt).Get("exports")
	if exportsVal == nil {
		return newEngineError(ErrKindLoad, "plugin %s: module.exports missing after load", metadata.ID)
	}
	exports := exportsVal.ToObject(e.rt)

	if fnVal := exports.Get("scan_transaction"); fnVal != nil && !goja.IsUndefined(fnVal) {
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return newEngineError(ErrKindLoad, "plugin %s: scan_transaction is not callable", metadata.ID)
		}
		e.scanFn = fn
		e.hasScanFn = true
	}
	if fnVal := exports.Get("analyze"); fnVal != nil && !goja.IsUndefined(fnVal) {
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return newEngineError(ErrKindLoad, "plugin %s: analyze is not callable", metadata.ID)
		}
		e.invokeFn = fn
		e.hasInvokeFn = true
	}
	if !e.hasScanFn && !e.hasInvokeFn {
		return newEngineError(ErrKindLoad, "plugin %s: exports neither scan_transaction nor analyze", metadata.ID)
	}
	return nil
}

// ScanTransaction invokes the plugin's scan entry point, drives any
// returned promise to completion, and returns the findings accumulated via
// emit_finding merged with any findings the function itself returned.
func (e *Engine) ScanTransaction(txn HTTPTransaction) ([]Finding, error) {
	if !e.hasScanFn {
		return nil, newEngineError(ErrKindScript, "plugin %s: does not export scan_transaction", e.pluginID)
	}

	e.mu.Lock()
	e.findings = nil
	e.mu.Unlock()

	jsTxn := e.rt.ToValue(toJSTransaction(txn))
	result, err := e.callAndResolve(e.scanFn, jsTxn)
	if err != nil {
		return nil, err
	}

	var returned []Finding
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if err := e.rt.ExportTo(result, &returned); err != nil {
			return nil, newEngineError(ErrKindScript, "plugin %s: invalid return value: %w", e.pluginID, err)
		}
	}

	e.mu.Lock()
	emitted := e.findings
	e.mu.Unlock()

	return mergeFindings(emitted, returned), nil
}

// InvokeTool calls the plugin's agent-tool entry point (analyze) with an
// arbitrary JSON-serializable input and returns its JSON-serializable
// output.
func (e *Engine) InvokeTool(inputs map[string]interface{}) (map[string]interface{}, error) {
	if !e.hasInvokeFn {
		return nil, newEngineError(ErrKindScript, "plugin %s: does not export analyze", e.pluginID)
	}

	jsInputs := e.rt.ToValue(inputs)
	result, err := e.callAndResolve(e.invokeFn, jsInputs)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if err := e.rt.ExportTo(result, &out); err != nil {
			return nil, newEngineError(ErrKindScript, "plugin %s: invalid return value: %w", e.pluginID, err)
		}
	}
	return out, nil
}

// callAndResolve invokes fn and, if it returns a Promise, reads its settled
// state. goja's job queue runs to completion as part of the call itself, so
// by the time fn returns any promise resolvable without real async I/O has
// already settled; one still pending means the script never resolved it,
// which is treated as a script failure rather than waited out.
func (e *Engine) callAndResolve(fn goja.Callable, args ...goja.Value) (result goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newEngineError(ErrKindInternal, "plugin %s: panic during execution: %v", e.pluginID, r)
		}
	}()

	result, callErr := fn(goja.Undefined(), args...)
	if callErr != nil {
		return nil, classifyCallError(e.pluginID, callErr)
	}

	promise, ok := exportedPromise(result)
	if !ok {
		return result, nil
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		return nil, classifyCallError(e.pluginID, promiseRejectionError(promise.Result()))
	default:
		// RunProgram/Callable invocations drain goja's job queue before
		// returning, so a promise still pending here means the script never
		// settled it itself (no awaited host call does that in this
		// sandbox) rather than that more draining would help.
		return nil, newEngineError(ErrKindScript, "plugin %s: returned promise never settled", e.pluginID)
	}
}

func exportedPromise(val goja.Value) (*goja.Promise, bool) {
	if val == nil {
		return nil, false
	}
	exported := val.Export()
	if exported == nil {
		return nil, false
	}
	promise, ok := exported.(*goja.Promise)
	return promise, ok
}

func promiseRejectionError(reason goja.Value) error {
	if reason == nil {
		return fmt.Errorf("promise rejected")
	}
	if exported := reason.Export(); exported != nil {
		if err, ok := exported.(error); ok {
			return err
		}
		return fmt.Errorf("promise rejected: %v", exported)
	}
	return fmt.Errorf("promise rejected: %s", reason.String())
}

func classifyCallError(pluginID string, err error) *EngineError {
	switch typed := err.(type) {
	case *goja.InterruptedError:
		if val := typed.Value(); val != nil {
			if inner, ok := val.(error); ok {
				return newEngineError(ErrKindScript, "plugin %s: %w", pluginID, inner)
			}
			return newEngineError(ErrKindScript, "plugin %s: interrupted: %v", pluginID, val)
		}
		return newEngineError(ErrKindScript, "plugin %s: interrupted", pluginID)
	case *goja.Exception:
		if strings.Contains(typed.Error(), permissionDeniedMarker) {
			return newEngineError(ErrKindPermissionDenied, "plugin %s: %s", pluginID, typed.Error())
		}
		return newEngineError(ErrKindScript, "plugin %s: %s", pluginID, typed.Error())
	default:
		if strings.Contains(err.Error(), permissionDeniedMarker) {
			return newEngineError(ErrKindPermissionDenied, "plugin %s: %w", pluginID, err)
		}
		return newEngineError(ErrKindScript, "plugin %s: %w", pluginID, err)
	}
}

// Close clears any pending interrupt on the Engine's runtime; the runtime's
// memory is reclaimed by the garbage collector once nothing references the
// Engine. It must be called on the same OS thread NewEngine was called on,
// and the calling thread must not construct another Engine afterward.
func (e *Engine) Close() {
	e.rt.ClearInterrupt()
}

// installHostAPI wires emit_finding and console.* into the runtime's
// globals, each gated by the Engine's CapabilitySet. html.sanitize and the
// Node-compat modules are installed separately by installNodeCompatShim.
func (e *Engine) installHostAPI() {
	module := e.rt.NewObject()
	exports := e.rt.NewObject()
	module.Set("exports", exports)
	e.rt.Set("module", module)
	e.rt.Set("exports", exports)

	e.rt.Set("emit_finding", e.jsEmitFinding)

	console := e.rt.NewObject()
	console.Set("log", e.jsConsoleLog("log"))
	console.Set("info", e.jsConsoleLog("info"))
	console.Set("warn", e.jsConsoleLog("warn"))
	console.Set("error", e.jsConsoleLog("error"))
	console.Set("debug", e.jsConsoleLog("debug"))
	e.rt.Set("console", console)
}

// checkCapability reports whether cap is granted, logging the decision via
// the host-call audit trail regardless of outcome.
func (e *Engine) checkCapability(cap Capability) bool {
	allowed := e.caps.Allows(cap)
	if e.logger != nil {
		e.logger.LogHostCall(context.Background(), e.pluginID, string(cap), allowed)
	}
	return allowed
}

func (e *Engine) jsEmitFinding(call goja.FunctionCall) goja.Value {
	if !e.checkCapability(CapabilityEmitFinding) {
		panic(e.rt.NewTypeError("emit_finding: permission denied"))
	}
	if len(call.Arguments) == 0 {
		panic(e.rt.NewTypeError("emit_finding: expected an object argument"))
	}

	var f Finding
	if err := e.rt.ExportTo(call.Arguments[0], &f); err != nil {
		panic(e.rt.NewTypeError("emit_finding: " + err.Error()))
	}
	if f.Title == "" || f.VulnType == "" || f.Severity == "" {
		panic(e.rt.NewTypeError("emit_finding: missing required field (title, vuln_type, severity)"))
	}

	e.mu.Lock()
	e.findings = append(e.findings, f)
	e.mu.Unlock()

	if e.logger != nil {
		e.logger.LogFindingEmitted(context.Background(), e.pluginID, f.Title, string(f.Severity))
	}
	return goja.Undefined()
}

func (e *Engine) jsConsoleLog(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if !e.checkCapability(CapabilityConsoleLog) {
			panic(e.rt.NewTypeError("console." + level + ": permission denied"))
		}
		if !e.limiter.Allow() {
			return goja.Undefined()
		}
		parts := make([]interface{}, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		if e.logger != nil {
			fields := map[string]interface{}{"plugin_id": e.pluginID, "level": level}
			e.logger.Info(context.Background(), fmt.Sprint(parts...), fields)
		}
		return goja.Undefined()
	}
}

// toJSTransaction flattens HTTPTransaction into the plain-data shape the
// Node-compat-ish sandbox globals expect: header pairs as [name, value]
// tuples (preserving repeats and order) rather than an object.
type jsHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type jsRequest struct {
	Method  string     `json:"method"`
	URL     string     `json:"url"`
	Headers []jsHeader `json:"headers"`
	Body    string     `json:"body"`
}

type jsResponse struct {
	Status  int        `json:"status"`
	Headers []jsHeader `json:"headers"`
	Body    string     `json:"body"`
}

type jsTransaction struct {
	Request  jsRequest   `json:"request"`
	Response *jsResponse `json:"response,omitempty"`
}

func toJSTransaction(t HTTPTransaction) jsTransaction {
	out := jsTransaction{Request: jsRequest{
		Method: t.Request.Method,
		URL:    t.Request.URL,
		Body:   string(t.Request.Body),
	}}
	for _, h := range t.Request.Headers {
		out.Request.Headers = append(out.Request.Headers, jsHeader{Name: h.Name, Value: h.Value})
	}
	if t.Response != nil {
		resp := &jsResponse{Status: t.Response.Status, Body: string(t.Response.Body)}
		for _, h := range t.Response.Headers {
			resp.Headers = append(resp.Headers, jsHeader{Name: h.Name, Value: h.Value})
		}
		out.Response = resp
	}
	return out
}

// AsServiceError converts an EngineError into the infrastructure error
// taxonomy's ServiceError, for callers that want HTTP-status-shaped errors.
func (e *EngineError) AsServiceError(pluginID string) *apperrors.ServiceError {
	switch e.Kind {
	case ErrKindLoad:
		return apperrors.PluginLoadFailed(pluginID, e.Err)
	case ErrKindPermissionDenied:
		return apperrors.PluginPermissionDenied(pluginID, "")
	case ErrKindScript:
		return apperrors.PluginScriptFailed(pluginID, e.Err)
	default:
		return apperrors.Internal(e.Err.Error(), e.Err)
	}
}

package scripts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-analytics/pkg/envelope"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmConfig bounds the resources of one plugin call.
type WasmConfig struct {
	// MemoryLimitPages caps linear memory in 64KiB pages. Zero keeps the
	// wazero default.
	MemoryLimitPages uint32
	// CallTimeout bounds each constructor or hook invocation.
	CallTimeout time.Duration
}

// DefaultWasmConfig is used for zero fields of a WasmConfig.
var DefaultWasmConfig = WasmConfig{
	MemoryLimitPages: 256,
	CallTimeout:      2 * time.Second,
}

// callInput is written to the module's stdin for every invocation.
type callInput struct {
	Hook   Hook               `json:"hook"`
	Config map[string]any     `json:"config"`
	Event  *envelope.Envelope `json:"event,omitempty"`
}

// WasmLoader hosts destination scripts compiled to WebAssembly.
//
// A script exports one constructor function per plugin and optional
// functions named after the lifecycle hooks. Every invocation runs in a fresh
// instance that reads a JSON document {hook, config, event} from stdin; a
// trap or a non-zero first result is an error. Modules get WASI stdio only:
// no filesystem, network or environment.
type WasmLoader struct {
	runtime wazero.Runtime
	fetcher Fetcher
	cfg     WasmConfig
	logger  zerolog.Logger
}

// NewWasmLoader creates a WasmLoader that fetches module bytes with fetcher.
func NewWasmLoader(ctx context.Context, fetcher Fetcher, cfg WasmConfig, logger zerolog.Logger) *WasmLoader {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultWasmConfig.MemoryLimitPages
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultWasmConfig.CallTimeout
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &WasmLoader{
		runtime: r,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With().Str("component", "WasmLoader").Logger(),
	}
}

// Load fetches and compiles the module at src.
func (l *WasmLoader) Load(ctx context.Context, src string) (Script, error) {
	bin, err := l.fetcher.Fetch(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch script %s: %w", src, err)
	}
	compiled, err := l.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script %s: %w", src, err)
	}
	l.logger.Debug().Str("src", src).Int("bytes", len(bin)).Msg("Compiled destination script.")
	return &wasmScript{loader: l, src: src, compiled: compiled}, nil
}

// Close releases the runtime and every compiled module.
func (l *WasmLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

type wasmScript struct {
	loader   *WasmLoader
	src      string
	compiled wazero.CompiledModule
}

func (s *wasmScript) Export(name string) (Factory, error) {
	if _, ok := s.compiled.ExportedFunctions()[name]; !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrExportNotFound, name, s.src)
	}
	return func(ctx context.Context, config map[string]any) (Plugin, error) {
		p := &wasmPlugin{script: s, constructor: name, config: config}
		if err := p.invoke(ctx, name, callInput{Hook: "construct", Config: config}); err != nil {
			return nil, err
		}
		return p, nil
	}, nil
}

func (s *wasmScript) Close(ctx context.Context) error {
	return s.compiled.Close(ctx)
}

type wasmPlugin struct {
	script      *wasmScript
	constructor string
	config      map[string]any
}

func (p *wasmPlugin) Supports(hook Hook) bool {
	_, ok := p.script.compiled.ExportedFunctions()[string(hook)]
	return ok
}

func (p *wasmPlugin) Call(ctx context.Context, hook Hook, env *envelope.Envelope) error {
	if !p.Supports(hook) {
		return nil
	}
	return p.invoke(ctx, string(hook), callInput{Hook: hook, Config: p.config, Event: env})
}

func (p *wasmPlugin) invoke(ctx context.Context, fn string, in callInput) error {
	l := p.script.loader
	input, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode input for %s: %w", fn, err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := l.runtime.InstantiateModule(ctx, p.script.compiled, modCfg)
	if err != nil {
		return fmt.Errorf("failed to instantiate %s: %w", p.script.src, err)
	}
	defer func() { _ = mod.Close(context.Background()) }()

	results, err := mod.ExportedFunction(fn).Call(ctx)
	if stdout.Len() > 0 || stderr.Len() > 0 {
		l.logger.Debug().
			Str("src", p.script.src).
			Str("function", fn).
			Str("stdout", stdout.String()).
			Str("stderr", stderr.String()).
			Msg("Destination script output.")
	}
	if err != nil {
		return fmt.Errorf("%s.%s failed: %w", p.script.src, fn, err)
	}
	if len(results) > 0 && results[0] != 0 {
		return fmt.Errorf("%s.%s returned status %d", p.script.src, fn, results[0])
	}
	return nil
}

// Package automation runs user Lua scripts that react to bridge events
// and drive lights through the manager.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"dali-go-bridge/internal/manager"
)

// luaEventHandler is a registered Lua callback for an event type.
type luaEventHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine loads scripts from a directory and dispatches manager events
// to their Lua handlers. Each script gets its own VM; all access to a
// VM goes through its command channel.
type Engine struct {
	manager *manager.Manager
	logger  *slog.Logger
	dir     string

	mu    sync.Mutex
	vms   map[string]*scriptVM // script name -> running VM
	unsub func()
}

// NewEngine creates an automation engine loading scripts from dir.
func NewEngine(m *manager.Manager, logger *slog.Logger, dir string) *Engine {
	return &Engine{
		manager: m,
		logger:  logger.With("component", "automation"),
		dir:     dir,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to manager events and loads every .lua script in the
// directory. A script that fails to load is logged and skipped.
func (e *Engine) Start() error {
	e.unsub = e.manager.Events().OnAll(func(ev manager.Event) {
		e.dispatchEvent(ev)
	})

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("no scripts directory", "dir", e.dir)
			return nil
		}
		return fmt.Errorf("read scripts dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".lua")
		if err := e.startScript(name, filepath.Join(e.dir, entry.Name())); err != nil {
			e.logger.Error("start script", "script", name, "err", err)
		}
	}

	e.logger.Info("automation engine started", "scripts", len(e.vms))
	return nil
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, vm := range e.vms {
		vm.cancel()
		delete(e.vms, name)
	}

	if e.unsub != nil {
		e.unsub()
	}

	e.logger.Info("automation engine stopped")
}

// Scripts returns the names of the currently loaded scripts.
func (e *Engine) Scripts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.vms))
	for name := range e.vms {
		names = append(names, name)
	}
	return names
}

func (e *Engine) startScript(name, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	sandbox(L)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	registerDaliModule(L, vm, e)

	// Execute the script top level to register handlers.
	if err := L.DoString(string(code)); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", name, err)
	}

	e.mu.Lock()
	e.vms[name] = vm
	e.mu.Unlock()

	// Command loop goroutine, exits when the context is cancelled.
	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "script", name)
	return nil
}

// sandbox removes Lua facilities scripts must not use.
func sandbox(L *lua.LState) {
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
}

// dispatchEvent routes a manager event to all matching Lua handlers.
func (e *Engine) dispatchEvent(ev manager.Event) {
	e.mu.Lock()
	vmsCopy := make(map[string]*scriptVM, len(e.vms))
	for k, v := range e.vms {
		vmsCopy[k] = v
	}
	e.mu.Unlock()

	for name, vm := range vmsCopy {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != ev.Type {
				continue
			}

			fn := h.fn
			select {
			case <-vm.ctx.Done():
				// VM stopped, skip remaining handlers
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, ev)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "script", name)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, ev manager.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	eventTable := L.NewTable()
	eventTable.RawSetString("type", lua.LString(ev.Type))
	for k, v := range eventFields(ev.Data) {
		eventTable.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, eventTable); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// eventFields flattens an event payload into named fields. Payloads are
// plain structs with json tags, so a marshal round trip gives the same
// names the other transports use.
func eventFields(data interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	if m, ok := data.(map[string]interface{}); ok {
		return m
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// commandTimeout bounds every bus operation issued from Lua.
const commandTimeout = 5 * time.Second

// registerDaliModule registers the `dali` global table in a Lua state.
func registerDaliModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on_event", L.NewFunction(func(L *lua.LState) int {
		return daliOnEvent(L, vm)
	}))

	mod.RawSetString("set_brightness", L.NewFunction(func(L *lua.LState) int {
		return daliSetBrightness(L, e)
	}))

	mod.RawSetString("set_group_brightness", L.NewFunction(func(L *lua.LState) int {
		return daliSetGroupBrightness(L, e)
	}))

	mod.RawSetString("query_level", L.NewFunction(func(L *lua.LState) int {
		return daliQueryLevel(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return daliAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return daliLog(L, e)
	}))

	L.SetGlobal("dali", mod)
}

// dali.on_event(type, callback)
func daliOnEvent(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaEventHandler{eventType: eventType, fn: fn})
	vm.mu.Unlock()

	return 0
}

// dali.set_brightness(bus, address, level)
func daliSetBrightness(L *lua.LState, e *Engine) int {
	busNum := L.CheckInt(1)
	addr := checkByte(L, 2)
	level := checkByte(L, 3)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := e.manager.SetLightBrightness(ctx, busNum, addr, level); err != nil {
		e.logger.Error("set brightness", "bus", busNum, "address", addr, "err", err)
	}
	return 0
}

// dali.set_group_brightness(bus, group, level)
func daliSetGroupBrightness(L *lua.LState, e *Engine) int {
	busNum := L.CheckInt(1)
	group := checkByte(L, 2)
	level := checkByte(L, 3)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := e.manager.SetGroupBrightness(ctx, busNum, group, level); err != nil {
		e.logger.Error("set group brightness", "bus", busNum, "group", group, "err", err)
	}
	return 0
}

// dali.query_level(bus, address) -> level or nil
func daliQueryLevel(L *lua.LState, e *Engine) int {
	busNum := L.CheckInt(1)
	addr := checkByte(L, 2)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	level, err := e.manager.QueryLightLevel(ctx, busNum, addr)
	if err != nil {
		e.logger.Warn("query level", "bus", busNum, "address", addr, "err", err)
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(level))
	return 1
}

// dali.after(seconds, callback) — delayed execution
func daliAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// dali.log(msg)
func daliLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

func checkByte(L *lua.LState, n int) uint8 {
	v := L.CheckInt(n)
	if v < 0 || v > 255 {
		L.ArgError(n, "value must be 0-255")
		return 0
	}
	return uint8(v)
}

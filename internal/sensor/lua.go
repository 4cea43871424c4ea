package sensor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/sweeney/valved/internal/logic"
)

// LuaPolicy delegates fusion to a Lua function:
//
//	function fuse(readings, floor)
//	  -- readings[i] = {source=, raw=, detected=, quality=}
//	  return detected, quality
//	end
//
// A script error yields quality 0, which the controller treats as no reading.
type LuaPolicy struct {
	mu sync.Mutex
	L  *lua.LState
	fn *lua.LFunction
}

// NewLuaPolicy compiles source and looks up its global fuse function.
func NewLuaPolicy(source string) (*LuaPolicy, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.MathLibName, lua.OpenMath},
		{lua.StringLibName, lua.OpenString},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("load fusion script: %w", err)
	}
	fn, ok := L.GetGlobal("fuse").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("fusion script does not define fuse(readings, floor)")
	}
	return &LuaPolicy{L: L, fn: fn}, nil
}

func (p *LuaPolicy) Name() string { return "lua" }

// Fuse calls the script.
func (p *LuaPolicy) Fuse(readings []logic.SensorReading, floor float64) (bool, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	L := p.L
	tbl := L.NewTable()
	for i, r := range readings {
		rt := L.NewTable()
		L.SetField(rt, "source", lua.LString(r.Source))
		L.SetField(rt, "raw", lua.LNumber(r.Raw))
		L.SetField(rt, "detected", lua.LBool(r.Detected))
		L.SetField(rt, "quality", lua.LNumber(r.Quality))
		tbl.RawSetInt(i+1, rt)
	}

	L.Push(p.fn)
	L.Push(tbl)
	L.Push(lua.LNumber(floor))
	if err := L.PCall(2, 2, nil); err != nil {
		log.Error().Err(err).Str("component", "fusion").Msg("Lua fuse failed")
		return false, 0
	}
	detected := lua.LVAsBool(L.Get(-2))
	quality, _ := L.Get(-1).(lua.LNumber)
	L.Pop(2)

	q := float64(quality)
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	return detected, q
}

// Close releases the Lua state.
func (p *LuaPolicy) Close() {
	p.mu.Lock()
	p.L.Close()
	p.mu.Unlock()
}

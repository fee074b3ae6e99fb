// Package scripting loads designer-tunable game rules from Lua. The VM
// runs at boot only; resolved rules are plain values afterward, so round
// resolution stays pure and deterministic.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Rules are the numeric knobs the round resolver and action registration
// consume. Values not set by scripts keep the compiled defaults.
type Rules struct {
	AttackDamage   int64 // health removed per landed attack
	MoveCost       int64 // action points consumed by registering a move
	AttackCost     int64 // action points consumed by registering an attack
	APRegenPerTurn int64 // action points granted to each survivor per round
	APCap          int64 // action points never exceed this
	StartingHealth int64 // PC health at session creation
	StartingAP     int64 // PC action points at session creation
}

// DefaultRules returns the compiled-in baseline used when no script
// overrides a value.
func DefaultRules() Rules {
	return Rules{
		AttackDamage:   1,
		MoveCost:       1,
		AttackCost:     1,
		APRegenPerTurn: 1,
		APCap:          5,
		StartingHealth: 10,
		StartingAP:     2,
	}
}

// Engine wraps a single gopher-lua VM. Single-goroutine access only; it is
// used during startup and then discarded.
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads all scripts under scriptsDir.
// A missing directory is not an error — defaults apply.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(filepath.Join(scriptsDir, "rules")); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load rules scripts: %w", err)
	}
	return e, nil
}

// Close releases the VM.
func (e *Engine) Close() {
	e.vm.Close()
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// CombatRules calls the Lua combat_rules() function and overlays its table
// on the defaults. Absent function or bad values fall back silently per
// field; a runtime error in the script is logged and ignored.
func (e *Engine) CombatRules() Rules {
	rules := DefaultRules()

	fn := e.vm.GetGlobal("combat_rules")
	if fn == lua.LNil {
		return rules
	}
	if err := e.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		e.log.Error("lua combat_rules error", zap.Error(err))
		return rules
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		e.log.Error("lua combat_rules returned non-table")
		return rules
	}

	overlay := func(key string, dst *int64) {
		v := rt.RawGetString(key)
		if n, ok := v.(lua.LNumber); ok && int64(n) >= 0 {
			*dst = int64(n)
		}
	}
	overlay("attack_damage", &rules.AttackDamage)
	overlay("move_cost", &rules.MoveCost)
	overlay("attack_cost", &rules.AttackCost)
	overlay("ap_regen_per_turn", &rules.APRegenPerTurn)
	overlay("ap_cap", &rules.APCap)
	overlay("starting_health", &rules.StartingHealth)
	overlay("starting_ap", &rules.StartingAP)
	return rules
}

// LoadRules is the convenience path used by main: spin up a VM, read the
// rules, tear the VM down.
func LoadRules(scriptsDir string, log *zap.Logger) (Rules, error) {
	e, err := NewEngine(scriptsDir, log)
	if err != nil {
		return Rules{}, err
	}
	defer e.Close()
	return e.CombatRules(), nil
}

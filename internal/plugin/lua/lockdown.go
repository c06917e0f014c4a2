package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// safeModules are the built-in modules require() may load.
var safeModules = map[string]bool{
	"string": true,
	"table":  true,
	"math":   true,
}

// lockdown removes the code-loading escape hatches and pins require() to
// safe built-ins plus preloaded host modules. Plugins run with process-level
// trust once installed; this keeps honest plugins on the host API rather
// than providing a hard security boundary.
func lockdown(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	// No module resolution from disk.
	if pkg, ok := L.GetGlobal("package").(*lua.LTable); ok {
		L.SetField(pkg, "path", lua.LString(""))
		L.SetField(pkg, "cpath", lua.LString(""))
	}

	originalRequire := L.GetGlobal("require")
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)
		if safeModules[modName] || modName == "colloq" || len(modName) > 7 && modName[:7] == "colloq." {
			L.Push(originalRequire)
			L.Push(lua.LString(modName))
			L.Call(1, 1)
			return 1
		}
		L.RaiseError("module %q is not available", modName)
		return 0 // unreachable
	}))
}

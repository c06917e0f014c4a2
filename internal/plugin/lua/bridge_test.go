package lua

import (
	"encoding/json"
	"reflect"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func TestToGoValueScalars(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.LuaState())

	tests := []struct {
		in   lua.LValue
		want any
	}{
		{lua.LBool(true), true},
		{lua.LNumber(42), int64(42)},
		{lua.LNumber(2.5), 2.5},
		{lua.LString("x"), "x"},
		{lua.LNil, nil},
	}
	for _, tt := range tests {
		if got := b.ToGoValue(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ToGoValue(%v) = %v (%T), want %v", tt.in, got, got, tt.want)
		}
	}
}

func TestTableConversionRoundTrip(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.LuaState())

	if err := s.DoString(`payload = {id = "s1", score = 4, tags = {"go", "plugins"}, nested = {ok = true}}`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	tbl, ok := s.GetGlobal("payload").(*lua.LTable)
	if !ok {
		t.Fatal("payload is not a table")
	}

	m := b.TableToMap(tbl)
	if m["id"] != "s1" || m["score"] != int64(4) {
		t.Errorf("TableToMap() = %v", m)
	}
	tags, ok := m["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "go" {
		t.Errorf("tags = %v", m["tags"])
	}
	nested, ok := m["nested"].(map[string]any)
	if !ok || nested["ok"] != true {
		t.Errorf("nested = %v", m["nested"])
	}

	// Back to Lua and out again.
	back := b.ToLuaValue(m)
	if got := b.ToGoValue(back); !reflect.DeepEqual(got, map[string]any(m)) {
		t.Errorf("round trip = %v, want %v", got, m)
	}
}

func TestCircularTableBreaks(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.LuaState())

	if err := s.DoString(`loop = {name = "loop"}; loop.self = loop`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	m, ok := b.ToGoValue(s.GetGlobal("loop")).(map[string]any)
	if !ok {
		t.Fatal("loop did not convert to map")
	}
	if m["name"] != "loop" {
		t.Errorf("name = %v", m["name"])
	}
	if m["self"] != nil {
		t.Errorf("self = %v, want circular reference broken to nil", m["self"])
	}
}

func TestJSONToLuaAndBack(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.LuaState())

	raw := json.RawMessage(`{"target":"csv","limit":10,"columns":["title","status"]}`)
	lv, err := b.JSONToLua(raw)
	if err != nil {
		t.Fatalf("JSONToLua() error = %v", err)
	}
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		t.Fatalf("JSONToLua() = %T", lv)
	}
	if target, _ := b.GetTableString(tbl, "target"); target != "csv" {
		t.Errorf("target = %q", target)
	}
	if limit, _ := b.GetTableInt(tbl, "limit"); limit != 10 {
		t.Errorf("limit = %d", limit)
	}

	out, err := b.LuaToJSON(lv)
	if err != nil {
		t.Fatalf("LuaToJSON() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("round-trip json invalid: %v", err)
	}
	if decoded["target"] != "csv" {
		t.Errorf("decoded = %v", decoded)
	}

	if lv, err := b.JSONToLua(nil); err != nil || lv != lua.LNil {
		t.Errorf("JSONToLua(nil) = %v, %v", lv, err)
	}
	if _, err := b.JSONToLua(json.RawMessage(`{broken`)); err == nil {
		t.Error("JSONToLua() accepted malformed json")
	}
}

func TestStructToLuaUsesJSONTags(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.LuaState())

	type submission struct {
		ID     string `json:"id"`
		Title  string `json:"title,omitempty"`
		Hidden string `json:"-"`
		Plain  int
	}
	lv := b.ToLuaValue(submission{ID: "s1", Title: "Go", Hidden: "x", Plain: 7})
	tbl, ok := lv.(*lua.LTable)
	if !ok {
		t.Fatalf("ToLuaValue(struct) = %T", lv)
	}
	if id, _ := b.GetTableString(tbl, "id"); id != "s1" {
		t.Errorf("id = %q", id)
	}
	if title, _ := b.GetTableString(tbl, "title"); title != "Go" {
		t.Errorf("title = %q", title)
	}
	if plain, _ := b.GetTableInt(tbl, "Plain"); plain != 7 {
		t.Errorf("Plain = %d", plain)
	}
	if _, ok := b.GetTableString(tbl, "Hidden"); ok {
		t.Error("json:\"-\" field crossed into Lua")
	}
}

func TestGetTableFunc(t *testing.T) {
	s := NewState()
	defer s.Close()
	b := NewBridge(s.LuaState())

	if err := s.DoString(`reg = {handler = function() end, name = "x"}`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	tbl := s.GetGlobal("reg").(*lua.LTable)
	if _, ok := b.GetTableFunc(tbl, "handler"); !ok {
		t.Error("GetTableFunc(handler) = false")
	}
	if _, ok := b.GetTableFunc(tbl, "name"); ok {
		t.Error("GetTableFunc(name) = true for a string field")
	}
}

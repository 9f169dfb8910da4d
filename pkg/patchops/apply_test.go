package patchops

import (
	"reflect"
	"testing"
)

func TestReplaceExistingField(t *testing.T) {
	base := map[string]any{"title": "old"}
	out, err := Apply(base, []Op{{Op: Replace, Path: "/title", Value: "new"}})
	if err != nil {
		t.Fatal(err)
	}
	got := out.(map[string]any)["title"]
	if got != "new" {
		t.Fatalf("expected new, got %v", got)
	}
	if base["title"] != "old" {
		t.Fatal("base was mutated in place")
	}
}

func TestReplaceMissingPathFails(t *testing.T) {
	base := map[string]any{"a": float64(1)}
	if _, err := Apply(base, []Op{{Op: Replace, Path: "/b", Value: "x"}}); err == nil {
		t.Fatal("expected error replacing a path that does not exist")
	}
}

func TestAddCreatesIntermediateObject(t *testing.T) {
	base := map[string]any{}
	out, err := Apply(base, []Op{{Op: Add, Path: "/meta/title", Value: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	meta := out.(map[string]any)["meta"].(map[string]any)
	if meta["title"] != "hi" {
		t.Fatalf("expected nested title to be set, got %v", meta)
	}
}

func TestAddCreatesIntermediateArray(t *testing.T) {
	base := map[string]any{}
	out, err := Apply(base, []Op{{Op: Add, Path: "/items/0", Value: "first"}})
	if err != nil {
		t.Fatal(err)
	}
	items := out.(map[string]any)["items"].([]any)
	if len(items) != 1 || items[0] != "first" {
		t.Fatalf("expected auto-vivified array with one element, got %v", items)
	}
}

func TestAddAppendsAtArrayEnd(t *testing.T) {
	base := map[string]any{"items": []any{"a", "b"}}
	out, err := Apply(base, []Op{{Op: Add, Path: "/items/2", Value: "c"}})
	if err != nil {
		t.Fatal(err)
	}
	items := out.(map[string]any)["items"].([]any)
	if !reflect.DeepEqual(items, []any{"a", "b", "c"}) {
		t.Fatalf("expected [a b c], got %v", items)
	}
}

func TestRemoveField(t *testing.T) {
	base := map[string]any{"a": float64(1), "b": float64(2)}
	out, err := Apply(base, []Op{{Op: Remove, Path: "/b"}})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if _, ok := m["b"]; ok {
		t.Fatal("expected b to be removed")
	}
	if _, ok := base["b"]; !ok {
		t.Fatal("base was mutated in place")
	}
}

func TestRemoveArrayElement(t *testing.T) {
	base := map[string]any{"items": []any{"a", "b", "c"}}
	out, err := Apply(base, []Op{{Op: Remove, Path: "/items/1"}})
	if err != nil {
		t.Fatal(err)
	}
	items := out.(map[string]any)["items"].([]any)
	if !reflect.DeepEqual(items, []any{"a", "c"}) {
		t.Fatalf("expected [a c], got %v", items)
	}
}

func TestMoveRelocatesValue(t *testing.T) {
	base := map[string]any{"a": map[string]any{"x": "v"}, "b": map[string]any{}}
	out, err := Apply(base, []Op{{Op: Move, From: "/a/x", Path: "/b/y"}})
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	a := m["a"].(map[string]any)
	b := m["b"].(map[string]any)
	if _, ok := a["x"]; ok {
		t.Fatal("expected /a/x to be gone after move")
	}
	if b["y"] != "v" {
		t.Fatalf("expected /b/y to hold moved value, got %v", b["y"])
	}
}

func TestSpliceInsertAndRemove(t *testing.T) {
	base := map[string]any{"items": []any{"a", "b", "c", "d"}}
	out, err := Apply(base, []Op{{Op: Splice, Path: "/items", Index: 1, Remove: 2, Add: []any{"x", "y", "z"}}})
	if err != nil {
		t.Fatal(err)
	}
	items := out.(map[string]any)["items"].([]any)
	if !reflect.DeepEqual(items, []any{"a", "x", "y", "z", "d"}) {
		t.Fatalf("unexpected splice result: %v", items)
	}
}

func TestSpliceOutOfRangeFails(t *testing.T) {
	base := map[string]any{"items": []any{"a"}}
	if _, err := Apply(base, []Op{{Op: Splice, Path: "/items", Index: 0, Remove: 5, Add: nil}}); err == nil {
		t.Fatal("expected error removing more elements than exist")
	}
}

func TestBatchIsAtomicOnFailure(t *testing.T) {
	base := map[string]any{"a": float64(1)}
	_, err := Apply(base, []Op{
		{Op: Replace, Path: "/a", Value: float64(2)},
		{Op: Replace, Path: "/nope", Value: "x"},
	})
	if err == nil {
		t.Fatal("expected the batch to fail on its second op")
	}
	if base["a"] != float64(1) {
		t.Fatal("base must be untouched when a later op in the batch fails")
	}
}

func TestRootLevelReplace(t *testing.T) {
	out, err := Apply(map[string]any{"a": float64(1)}, []Op{{Op: Replace, Path: "", Value: "whole new value"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "whole new value" {
		t.Fatalf("expected root replacement, got %v", out)
	}
}

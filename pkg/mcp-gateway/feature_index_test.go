package mcpgateway

import (
	"testing"

	"github.com/tylergraydev/claude-code-tool-manager-sub001/pkg/mcpmgr"
)

func TestFeatureIndexUpdateTools(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	tools := []mcpmgr.ToolDescriptor{{Name: "echo"}}
	removed, added := fi.UpdateTools("7", "alpha", tools)
	if len(removed) != 0 {
		t.Fatalf("unexpected removals: %v", removed)
	}
	if len(added) != 1 {
		t.Fatalf("expected single registration, got %d", len(added))
	}
	target := added[0].Target
	if target.BackendID != "7" || target.NativeName != "echo" || target.GatewayName != "alpha__echo" {
		t.Fatalf("unexpected target %+v", target)
	}
	lookup, ok := fi.ToolTarget(target.GatewayName)
	if !ok {
		t.Fatalf("tool target missing")
	}
	if lookup.NativeName != "echo" {
		t.Fatalf("lookup mismatch: %+v", lookup)
	}
	meta := added[0].Tool.Meta
	if meta[metaKeyBackendID] != "7" || meta[metaKeyBackendName] != "alpha" {
		t.Fatalf("meta missing backend: %+v", meta)
	}
	if added[0].Tool.InputSchema == nil {
		t.Fatalf("input schema should default to an object")
	}
}

func TestFeatureIndexReplaceAndRemove(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	fi.UpdateTools("7", "alpha", []mcpmgr.ToolDescriptor{{Name: "echo"}, {Name: "ping"}})

	removed, added := fi.UpdateTools("7", "alpha", []mcpmgr.ToolDescriptor{{Name: "echo"}, {Name: "late"}})
	if len(removed) != 1 || removed[0] != "alpha__ping" {
		t.Fatalf("removed = %v", removed)
	}
	if len(added) != 2 {
		t.Fatalf("added = %d", len(added))
	}
	if _, ok := fi.ToolTarget("alpha__ping"); ok {
		t.Fatalf("stale tool still indexed")
	}

	names := fi.RemoveBackend("7")
	if len(names) != 2 {
		t.Fatalf("RemoveBackend = %v", names)
	}
	if len(fi.Tools("7")) != 0 {
		t.Fatalf("tools left after removal")
	}
}

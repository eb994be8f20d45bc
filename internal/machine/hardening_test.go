package machine

import (
	"testing"

	"previewd/internal/tier"
)

func TestHarden(t *testing.T) {
	in := Config{
		Image: "app:1",
		Env: map[string]string{
			"FLY_API_TOKEN":   "secret",
			"previewd_secret": "x",
			"DATABASE_URL":    "postgres://",
			"NODE_ENV":        "development",
		},
		Services: []Service{
			{Protocol: "tcp", InternalPort: 3000},
			{Protocol: "tcp", InternalPort: 22},
		},
		Restart:  RestartPolicy{Policy: "always"},
		Metadata: map[string]string{MetaSessionID: "s-1"},
	}

	out := Harden(in, tier.Lookup("free"))

	if len(out.Services) != 1 || out.Services[0].InternalPort != 3000 {
		t.Errorf("services = %+v, want only port 3000", out.Services)
	}
	if _, ok := out.Env["FLY_API_TOKEN"]; ok {
		t.Error("reserved FLY_ env kept")
	}
	if _, ok := out.Env["previewd_secret"]; ok {
		t.Error("reserved PREVIEWD_ env kept (prefix match is case-insensitive)")
	}
	if out.Env["DATABASE_URL"] != "postgres://" {
		t.Error("user env dropped")
	}
	if out.Env["NODE_ENV"] != "production" {
		t.Errorf("NODE_ENV = %q, want production", out.Env["NODE_ENV"])
	}
	if out.Restart.Policy != "no" || !out.AutoDestroy {
		t.Errorf("restart = %q auto_destroy = %v", out.Restart.Policy, out.AutoDestroy)
	}
	if out.Metadata[MetaManagedBy] != ManagedByValue || out.Metadata[MetaSessionID] != "s-1" {
		t.Errorf("metadata = %v", out.Metadata)
	}

	// 输入不能被修改
	if _, ok := in.Env["FLY_API_TOKEN"]; !ok {
		t.Error("Harden mutated input env")
	}
	if _, ok := in.Metadata[MetaManagedBy]; ok {
		t.Error("Harden mutated input metadata")
	}
}

func TestHardenNilMaps(t *testing.T) {
	out := Harden(Config{}, tier.Lookup("basic"))
	if out.Env["NODE_ENV"] != "production" {
		t.Error("expected NODE_ENV on empty config")
	}
	if out.Metadata[MetaManagedBy] != ManagedByValue {
		t.Error("expected managed_by metadata")
	}
}

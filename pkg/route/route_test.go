// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testBackend(hostname string) *Backend {
	return &Backend{Hostname: hostname, Address: "127.0.0.1:25566"}
}

func TestLookupCaseInsensitive(t *testing.T) {
	table, err := New([]*Backend{testBackend("MC.Example.COM")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, host := range []string{"mc.example.com", "MC.EXAMPLE.COM", "mc.Example.com", "mc.example.com."} {
		if _, ok := table.Lookup(host); !ok {
			t.Errorf("Lookup(%q) missed", host)
		}
	}

	if _, ok := table.Lookup("other.example.com"); ok {
		t.Error("Lookup matched an unrouted hostname")
	}
}

func TestLookupStripsForgeSuffix(t *testing.T) {
	table, err := New([]*Backend{testBackend("mc.example.com")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := table.Lookup("mc.example.com\x00FML\x00"); !ok {
		t.Error("Lookup missed hostname with modded-client suffix")
	}
}

func TestDuplicateHostname(t *testing.T) {
	_, err := New([]*Backend{testBackend("a.example.com"), testBackend("A.Example.Com")})
	if err == nil {
		t.Error("expected error for duplicate hostname")
	}
}

func TestWakeable(t *testing.T) {
	off := false

	cases := []struct {
		name    string
		backend *Backend
		want    bool
	}{
		{"no start command", &Backend{Hostname: "a", Address: "x"}, false},
		{"start command, default", &Backend{Hostname: "b", Address: "x", StartCommand: []string{"run.sh"}}, true},
		{"start command, disabled", &Backend{Hostname: "c", Address: "x", StartCommand: []string{"run.sh"}, WakeOnLogin: &off}, false},
	}
	for _, c := range cases {
		if got := c.backend.Wakeable(); got != c.want {
			t.Errorf("%s: Wakeable() = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	content := `[
		{
			"hostname": "mc.example.com",
			"address": "127.0.0.1:25566",
			"startCommand": ["/opt/mc/start.sh"],
			"idleTimeout": "15m",
			"startDeadline": "90s"
		},
		{
			"hostname": "static.example.com",
			"address": "10.0.0.2:25565"
		}
	]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	table, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}

	b, ok := table.Lookup("mc.example.com")
	if !ok {
		t.Fatal("mc.example.com not found")
	}
	if time.Duration(b.IdleTimeout) != 15*time.Minute {
		t.Errorf("IdleTimeout = %v", time.Duration(b.IdleTimeout))
	}
	if time.Duration(b.StartDeadline) != 90*time.Second {
		t.Errorf("StartDeadline = %v", time.Duration(b.StartDeadline))
	}
	if !b.Wakeable() {
		t.Error("backend with start command should be wakeable")
	}

	static, _ := table.Lookup("static.example.com")
	if static.Wakeable() {
		t.Error("backend without start command should not be wakeable")
	}
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	if err := os.WriteFile(path, []byte(`[{"hostname": ""}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for backend without hostname")
	}
}

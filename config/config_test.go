package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFile(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "subsd.yml")
	const contents = `
name: shop
directory: /var/lib/subsd
http:
  address: :9980
  password: hunter2
log:
  level: debug
  file:
    enabled: true
    path: /var/log/subsd.log
upgrade:
  leaseTimeout: 1m
  cronLockWindow: 5m
  executionBudget: 15m
  memoryLimit: 536870912
webhooks:
  ratePerSecond: 2.5
  burst: 5
site:
  url: https://shop.example.com
`
	if err := os.WriteFile(fp, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	// values not set in the file keep their defaults
	cfg := Config{
		HTTP: HTTP{Address: "localhost:9980"},
		Webhooks: Webhooks{
			Timeout: 30 * time.Second,
		},
	}
	if err := LoadFile(fp, &cfg); err != nil {
		t.Fatal(err)
	}

	switch {
	case cfg.Name != "shop" || cfg.Directory != "/var/lib/subsd":
		t.Fatalf("unexpected config %+v", cfg)
	case cfg.HTTP.Address != ":9980" || cfg.HTTP.Password != "hunter2":
		t.Fatalf("unexpected http config %+v", cfg.HTTP)
	case cfg.Log.Level != "debug" || !cfg.Log.File.Enabled || cfg.Log.File.Path != "/var/log/subsd.log":
		t.Fatalf("unexpected log config %+v", cfg.Log)
	case cfg.Upgrade.LeaseTimeout != time.Minute || cfg.Upgrade.CronLockWindow != 5*time.Minute || cfg.Upgrade.ExecutionBudget != 15*time.Minute:
		t.Fatalf("unexpected upgrade config %+v", cfg.Upgrade)
	case cfg.Upgrade.MemoryLimit != 512<<20:
		t.Fatalf("unexpected memory limit %d", cfg.Upgrade.MemoryLimit)
	case cfg.Webhooks.RatePerSecond != 2.5 || cfg.Webhooks.Burst != 5 || cfg.Webhooks.Timeout != 30*time.Second:
		t.Fatalf("unexpected webhooks config %+v", cfg.Webhooks)
	case cfg.Site.URL != "https://shop.example.com":
		t.Fatalf("unexpected site config %+v", cfg.Site)
	}
}

func TestLoadFileUnknownField(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "subsd.yml")
	if err := os.WriteFile(fp, []byte("http:\n  address: :9980\nrecoveryPhrase: foo\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := LoadFile(fp, &cfg); err == nil || !strings.Contains(err.Error(), "recoveryPhrase") {
		t.Fatalf("expected unknown field error, got %v", err)
	}

	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yml"), &cfg); err == nil {
		t.Fatal("expected missing file to fail")
	}
}

func TestUpgradeValidate(t *testing.T) {
	valid := Upgrade{
		LeaseTimeout:    2 * time.Minute,
		CronLockWindow:  9 * time.Minute,
		ExecutionBudget: 10 * time.Minute,
	}

	tests := []struct {
		name   string
		modify func(*Upgrade)
		short  bool
		fail   bool
	}{
		{"valid", func(*Upgrade) {}, false, false},
		{"lease equals window", func(u *Upgrade) { u.LeaseTimeout = u.CronLockWindow }, false, true},
		{"lease exceeds window", func(u *Upgrade) { u.LeaseTimeout = 10 * time.Minute }, false, true},
		{"zero lease", func(u *Upgrade) { u.LeaseTimeout = 0 }, false, true},
		{"zero budget", func(u *Upgrade) { u.ExecutionBudget = 0 }, false, true},
		{"negative memory", func(u *Upgrade) { u.MemoryLimit = -1 }, false, true},
		{"short budget", func(u *Upgrade) { u.ExecutionBudget = 5 * time.Minute }, true, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			u := valid
			test.modify(&u)
			err := u.Validate()
			switch {
			case !test.fail && err != nil:
				t.Fatal(err)
			case test.fail && err == nil:
				t.Fatal("expected error")
			case errors.Is(err, ErrShortBudget) != test.short:
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

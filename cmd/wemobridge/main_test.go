package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/wemo-matter-bridge/internal/engine"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/config"
	"github.com/nerrad567/wemo-matter-bridge/internal/infrastructure/logging"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    command
		wantErr bool
	}{
		{"default run", nil, command{name: cmdRun}, false},
		{"explicit run", []string{"run"}, command{name: cmdRun}, false},
		{"list", []string{"list"}, command{name: cmdList}, false},
		{"version", []string{"version"}, command{name: cmdVersion}, false},
		{"set-on", []string{"set-on", "uuid:Socket-1_0-A"}, command{name: cmdSetOn, udn: "uuid:Socket-1_0-A"}, false},
		{"set-off", []string{"set-off", "uuid:Socket-1_0-A"}, command{name: cmdSetOff, udn: "uuid:Socket-1_0-A"}, false},
		{"set-level", []string{"set-level", "uuid:Dimmer-1_0-B", "40"}, command{name: cmdSetLevel, udn: "uuid:Dimmer-1_0-B", percent: 40}, false},
		{"set-level zero", []string{"set-level", "uuid:Dimmer-1_0-B", "0"}, command{name: cmdSetLevel, udn: "uuid:Dimmer-1_0-B"}, false},
		{"unknown", []string{"reboot"}, command{}, true},
		{"run with args", []string{"run", "now"}, command{}, true},
		{"set-on missing udn", []string{"set-on"}, command{}, true},
		{"set-level missing level", []string{"set-level", "uuid:X"}, command{}, true},
		{"set-level too high", []string{"set-level", "uuid:X", "101"}, command{}, true},
		{"set-level negative", []string{"set-level", "uuid:X", "-1"}, command{}, true},
		{"set-level not a number", []string{"set-level", "uuid:X", "half"}, command{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.args)
			if tt.wantErr {
				if !errors.Is(err, errUsage) {
					t.Errorf("parseCommand() error = %v, want errUsage", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseCommand() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseCommand() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("WEMOBRIDGE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("WEMOBRIDGE_CONFIG", "/etc/wemobridge/config.yaml")
	if got := getConfigPath(); got != "/etc/wemobridge/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("WEMOBRIDGE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
bridge:
  device_capacity: 0
database:
  path: ""
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	t.Setenv("WEMOBRIDGE_CONFIG", configPath)

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "device_capacity") {
		t.Errorf("run() error = %v, want validation error", err)
	}
}

func TestLoadCLIConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadCLIConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadCLIConfig() error = %v", err)
	}
	if cfg.Bridge.DeviceCapacity != 16 {
		t.Errorf("DeviceCapacity = %d, want default 16", cfg.Bridge.DeviceCapacity)
	}
}

type fakeAdapter struct {
	devices []engine.Device
	accept  bool
	onOff   []bool
	levels  []int
}

func (a *fakeAdapter) Discover(context.Context) []engine.Device { return a.devices }
func (a *fakeAdapter) Refresh(context.Context)                  {}
func (a *fakeAdapter) Subscribe(func(engine.Event))             {}

func (a *fakeAdapter) SetOnOff(_ context.Context, _ string, on bool) bool {
	a.onOff = append(a.onOff, on)
	return a.accept
}

func (a *fakeAdapter) SetLevelPercent(_ context.Context, _ string, percent int) bool {
	a.levels = append(a.levels, percent)
	return a.accept
}

func TestSet(t *testing.T) {
	a := &fakeAdapter{accept: true}
	ctx := context.Background()

	if err := set(ctx, a, command{name: cmdSetOn, udn: "uuid:A"}); err != nil {
		t.Errorf("set-on error = %v", err)
	}
	if err := set(ctx, a, command{name: cmdSetOff, udn: "uuid:A"}); err != nil {
		t.Errorf("set-off error = %v", err)
	}
	if err := set(ctx, a, command{name: cmdSetLevel, udn: "uuid:A", percent: 60}); err != nil {
		t.Errorf("set-level error = %v", err)
	}
	if len(a.onOff) != 2 || !a.onOff[0] || a.onOff[1] {
		t.Errorf("on/off calls = %v, want [true false]", a.onOff)
	}
	if len(a.levels) != 1 || a.levels[0] != 60 {
		t.Errorf("level calls = %v, want [60]", a.levels)
	}

	a.accept = false
	if err := set(ctx, a, command{name: cmdSetOn, udn: "uuid:A"}); err == nil {
		t.Error("set-on error = nil when engine refuses")
	}
}

func TestList(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "endpoints.db")
	ctx := context.Background()

	// Assign a handle to the first device the way a running bridge would.
	db, registry, err := openRegistry(ctx, cfg, logging.Default())
	if err != nil {
		t.Fatalf("openRegistry() error = %v", err)
	}
	if _, err := registry.GetOrAssign(ctx, "uuid:Socket-1_0-A"); err != nil {
		t.Fatalf("GetOrAssign() error = %v", err)
	}
	db.Close() //nolint:errcheck // Test setup

	a := &fakeAdapter{devices: []engine.Device{
		{EngineID: 1, UDN: "uuid:Socket-1_0-A", FriendlyName: "Lamp", IsOnline: true, OnOff: true},
		{EngineID: 2, UDN: "uuid:Dimmer-1_0-B", FriendlyName: "Hall", SupportsLevel: true, LevelPercent: 40},
	}}

	var out bytes.Buffer
	if err := list(ctx, cfg, a, logging.Default(), &out); err != nil {
		t.Fatalf("list() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output lines = %d, want 3:\n%s", len(lines), out.String())
	}
	if fields := strings.Fields(lines[1]); fields[0] != "2" || fields[1] != "uuid:Socket-1_0-A" || fields[5] != "-" {
		t.Errorf("socket row = %q", lines[1])
	}
	if fields := strings.Fields(lines[2]); fields[0] != "-" || fields[5] != "40%" {
		t.Errorf("dimmer row = %q", lines[2])
	}
}

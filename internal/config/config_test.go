package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	if got := cfg.Bus.GetKind(); got != BusI2C {
		t.Errorf("Bus.GetKind() = %q, want %q", got, BusI2C)
	}
	if got := cfg.Bus.GetAddress(); got != 0x04 {
		t.Errorf("Bus.GetAddress() = %#x, want 0x04", got)
	}
	if got := cfg.Actuation.GetInterval(); got != 50*time.Millisecond {
		t.Errorf("Actuation.GetInterval() = %v, want 50ms", got)
	}
	if len(cfg.Stages) != 3 {
		t.Fatalf("len(Stages) = %d, want 3", len(cfg.Stages))
	}

	thresholds := map[string]float64{}
	for _, s := range cfg.Stages {
		thresholds[s.Name] = s.GetThreshold()
	}
	want := map[string]float64{"lane": 0.7, "cars": 0.7, "traffic": 0.8}
	if diff := cmp.Diff(want, thresholds); diff != "" {
		t.Errorf("stage thresholds mismatch (-want +got):\n%s", diff)
	}
	if got := cfg.Stages[2].GetChannel(); got != "Traffic results" {
		t.Errorf("traffic channel = %q, want %q", got, "Traffic results")
	}
}

func TestLoad_JSONAndYAMLAgree(t *testing.T) {
	jsonPath := writeFile(t, "cfg.json", `{
  "camera": {"synthetic": true, "width": 640, "height": 480},
  "bus": {"kind": "serial", "path": "/dev/ttyUSB0", "serial": {"baud_rate": 57600}},
  "actuation": {"interval": "40ms", "speed": 120, "lights": true},
  "stages": [
    {"name": "lane", "kind": "lane", "idle": "20ms"},
    {"name": "signs", "kind": "detection", "threshold": 0.8, "model_path": "m.xml"}
  ],
  "display": {"quality": 60}
}`)
	yamlPath := writeFile(t, "cfg.yaml", `
camera:
  synthetic: true
  width: 640
  height: 480
bus:
  kind: serial
  path: /dev/ttyUSB0
  serial:
    baud_rate: 57600
actuation:
  interval: 40ms
  speed: 120
  lights: true
stages:
  - name: lane
    kind: lane
    idle: 20ms
  - name: signs
    kind: detection
    threshold: 0.8
    model_path: m.xml
display:
  quality: 60
`)

	fromJSON, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load(json) error: %v", err)
	}
	fromYAML, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load(yaml) error: %v", err)
	}
	if diff := cmp.Diff(fromJSON, fromYAML); diff != "" {
		t.Errorf("JSON and YAML configs differ (-json +yaml):\n%s", diff)
	}

	if got := fromYAML.Actuation.GetSpeed(); got != 120 {
		t.Errorf("GetSpeed() = %d, want 120", got)
	}
	if got := fromYAML.Stages[0].GetIdle(); got != 20*time.Millisecond {
		t.Errorf("lane GetIdle() = %v, want 20ms", got)
	}
	if got := fromYAML.Bus.Serial.BaudRate; got != 57600 {
		t.Errorf("BaudRate = %d, want 57600", got)
	}
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad extension", "cfg.toml", `x = 1`, "extension"},
		{"unknown json field", "cfg.json", `{"camra": {}}`, "parse config JSON"},
		{"unknown yaml field", "cfg.yml", "camra: {}\n", "parse config YAML"},
		{"bad bus kind", "cfg.json", `{"bus": {"kind": "can"}}`, "bus.kind"},
		{"address too wide", "cfg.json", `{"bus": {"address": 300}}`, "7-bit"},
		{"bad interval", "cfg.json", `{"actuation": {"interval": "soon"}}`, "actuation.interval"},
		{"negative interval", "cfg.json", `{"actuation": {"interval": "-5ms"}}`, "must be positive"},
		{"speed overflow", "cfg.json", `{"actuation": {"speed": 40000}}`, "16 bits"},
		{"unnamed stage", "cfg.json", `{"stages": [{"kind": "lane"}]}`, "no name"},
		{"duplicate stage", "cfg.json", `{"stages": [{"name": "a", "kind": "lane"}, {"name": "a", "kind": "lane"}]}`, "duplicate"},
		{"detection without model", "cfg.json", `{"stages": [{"name": "a", "kind": "detection"}]}`, "model_path"},
		{"unknown stage kind", "cfg.json", `{"stages": [{"name": "a", "kind": "depth"}]}`, "kind must be"},
		{"threshold above one", "cfg.json", `{"stages": [{"name": "a", "kind": "lane", "threshold": 1.5}]}`, "threshold"},
		{"quality out of range", "cfg.json", `{"display": {"quality": 0}}`, "display.quality"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_TooLarge(t *testing.T) {
	path := writeFile(t, "big.json", `{"camera": {"device": "`+strings.Repeat("x", maxFileSize)+`"}}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("Load() error = %v, want too large", err)
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestGetters_Defaults(t *testing.T) {
	var cfg Config
	stage := StageConfig{Name: "lane", Kind: KindLane}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"camera device", cfg.Camera.GetDevice(), "/dev/video0"},
		{"camera width", cfg.Camera.GetWidth(), 0},
		{"camera synthetic", cfg.Camera.GetSynthetic(), false},
		{"camera fps", cfg.Camera.GetFPS(), 30.0},
		{"bus kind", cfg.Bus.GetKind(), BusI2C},
		{"bus path", cfg.Bus.GetPath(), "/dev/i2c-1"},
		{"bus address", cfg.Bus.GetAddress(), byte(0x04)},
		{"interval", cfg.Actuation.GetInterval(), 50 * time.Millisecond},
		{"speed", cfg.Actuation.GetSpeed(), int16(0)},
		{"presentation enabled", cfg.Presentation.GetEnabled(), true},
		{"presentation channel", cfg.Presentation.GetChannel(), "frame"},
		{"presentation poll", cfg.Presentation.GetPoll(), time.Millisecond},
		{"stage enabled", stage.GetEnabled(), true},
		{"stage channel", stage.GetChannel(), "lane"},
		{"stage threshold", stage.GetThreshold(), 0.7},
		{"stage idle", stage.GetIdle(), 30 * time.Millisecond},
		{"stage engine", stage.GetEngine(), "tcp://127.0.0.1:5555"},
		{"stage timeout", stage.GetTimeout(), 2 * time.Second},
		{"listen", cfg.Display.GetListen(), ":8080"},
		{"quality", cfg.Display.GetQuality(), 75},
		{"status interval", cfg.Display.GetStatusInterval(), time.Second},
		{"telemetry enabled", cfg.Telemetry.GetEnabled(), true},
		{"db path", cfg.Telemetry.GetDBPath(), "autopilot.db"},
		{"flush", cfg.Telemetry.GetFlushInterval(), 5 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestBusConfig_GetPathPerKind(t *testing.T) {
	serial := BusConfig{Kind: ptrString("SERIAL")}
	if got := serial.GetPath(); got != "/dev/ttyACM0" {
		t.Errorf("serial GetPath() = %q", got)
	}
	file := BusConfig{Kind: ptrString(BusFile)}
	if got := file.GetPath(); got != os.TempDir() {
		t.Errorf("file GetPath() = %q, want %q", got, os.TempDir())
	}
}

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if !cfg.Camera.GetSynthetic() {
		t.Error("Default() should use the synthetic camera")
	}
	if cfg.Bus.GetKind() != BusFile {
		t.Errorf("Default() bus kind = %q, want %q", cfg.Bus.GetKind(), BusFile)
	}
}

func TestExampleYAMLLoads(t *testing.T) {
	for _, path := range []string{"config/autopilot.example.yaml", "../../config/autopilot.example.yaml"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := Load(path); err != nil {
			t.Fatalf("Load(%s) = %v", path, err)
		}
		return
	}
	t.Skip("example config not found")
}

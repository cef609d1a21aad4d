package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// runApp runs the CLI with an isolated config directory and returns stdout.
func runApp(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	if err := app.Run(context.Background(), append([]string{"ive"}, args...)); err != nil {
		t.Fatalf("ive %v: %v", args, err)
	}
	return out.Bytes()
}

func TestLoadConfig(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		data := "scratch_bytes: 4096\ndouble_buffer: false\nrate_limit: 2.5\nlog_format: json\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.ScratchBytes == nil || *cfg.ScratchBytes != 4096 {
			t.Fatalf("unexpected scratch_bytes: %v", cfg.ScratchBytes)
		}
		if cfg.DoubleBuffer == nil || *cfg.DoubleBuffer {
			t.Fatalf("expected double_buffer=false to be set")
		}
		if cfg.RateLimit == nil || *cfg.RateLimit != 2.5 || cfg.LogFormat != "json" {
			t.Fatalf("unexpected config: %+v", cfg)
		}
		if cfg.DeviceBytes != nil {
			t.Fatalf("expected device_bytes to stay unset")
		}
	})

	t.Run("missing default is empty", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.ScratchBytes != nil || cfg.Backend != "" {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Fatal("expected an error for a missing explicit config")
		}
	})
}

func TestQuantizeCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	packPath := filepath.Join(t.TempDir(), "scales.bin")

	var got []quantized
	if err := json.Unmarshal(runApp(t, "quantize", "--pack", packPath, "1", "0.3"), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 scales, got %d", len(got))
	}
	if got[0].Mantissa != 1<<31-1 || got[0].Shift != 0 {
		t.Fatalf("1.0: got %+v", got[0])
	}
	if got[1].Shift != 1 || got[1].Decoded < 0.3-1e-9 || got[1].Decoded > 0.3+1e-9 {
		t.Fatalf("0.3: got %+v", got[1])
	}
	data, err := os.ReadFile(packPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 10 {
		t.Fatalf("expected 5 bytes per channel, got %d", len(data))
	}
}

func TestPlanCommandHonoursConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	// one 32x64 u8 add tile in two slots
	if err := os.WriteFile(path, []byte("scratch_bytes: 10240\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fromFile planSummary
	if err := json.Unmarshal(runApp(t, "plan", "--config", path, "--op", "add", "--width", "64", "--height", "64"), &fromFile); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fromFile.Tiles != 2 || fromFile.Budget != 10240 {
		t.Fatalf("expected 2 tiles under the file budget, got %+v", fromFile)
	}

	var fromFlag planSummary
	out := runApp(t, "plan", "--config", path, "--scratch-bytes", "1048576", "--op", "add", "--width", "64", "--height", "64", "--tiles")
	if err := json.Unmarshal(out, &fromFlag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fromFlag.Tiles != 1 || fromFlag.Plan == nil || len(fromFlag.Plan.Tiles) != 1 {
		t.Fatalf("expected the flag to win with a single tile, got %+v", fromFlag)
	}
}

func TestRunCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := t.TempDir()
	a := filepath.Join(dir, "a.raw")
	b := filepath.Join(dir, "b.raw")
	out := filepath.Join(dir, "sum.raw")
	if err := os.WriteFile(a, bytes.Repeat([]byte{1}, 64*64), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, bytes.Repeat([]byte{2}, 64*64), 0o644); err != nil {
		t.Fatal(err)
	}

	var res runResult
	raw := runApp(t, "run", "--scratch-bytes", "10240", "--op", "add", "--width", "64", "--height", "64", "--in", a, "--in", b, "--out", out)
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.State != "done" || res.Tiles != 2 || len(res.Outputs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{3}, 64*64)) {
		t.Fatal("expected every output pixel to be 3")
	}
}

func TestBenchParallel(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	var res benchResult
	raw := runApp(t, "bench", "--device-bytes", "1048576", "--op", "block", "--params", `{"cell":2}`, "--width", "32", "--height", "32", "--runs", "2", "--parallel", "3")
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Devices != 3 || res.Runs != 2 || res.Tiles < 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

package pref

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/spf13/viper"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		text string
		want any
	}{
		{`"blue"`, "blue"},
		{`blue`, "blue"},
		{`42`, float64(42)},
		{`true`, true},
		{`null`, nil},
		{`[1,"a"]`, []any{float64(1), "a"}},
		{`{"w":800}`, map[string]any{"w": float64(800)}},
		{`{broken`, "{broken"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := parseValue(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestFormatValue(t *testing.T) {
	if got := formatValue(map[string]any{"a": []any{1.5, "x"}}); got != `{"a":[1.5,"x"]}` {
		t.Errorf("Unexpected %s", got)
	}
	if got := formatValue(nil); got != "null" {
		t.Errorf("Unexpected %s", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "prefs.yaml")
	content := "preferences:\n  color: red\n  volume: 7\n  window:\n    width: 800\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	defaults, err := loadDefaults(path)
	if err != nil {
		t.Fatalf("loadDefaults failed: %v", err)
	}
	if defaults["color"] != "red" {
		t.Errorf("Expected color red, got %v", defaults["color"])
	}
	if defaults["volume"] != 7 {
		t.Errorf("Expected volume 7, got %#v", defaults["volume"])
	}
	if _, ok := defaults["window"].(map[string]any); !ok {
		t.Errorf("Expected window to be a map, got %#v", defaults["window"])
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"other": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadDefaults(empty); err == nil {
		t.Errorf("Expected error for a file without preferences")
	}
	if _, err := loadDefaults(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Errorf("Expected error for a missing file")
	}
}

func TestSetupManagerClosesOnError(t *testing.T) {
	viper.Set("storage", "memory")
	viper.Set("defaults", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Cleanup(func() {
		viper.Set("defaults", "")
		handle, manager = nil, nil
	})

	if err := setupManager(getCmd, nil); err == nil {
		t.Fatal("Expected error for a missing defaults file")
	}
	if manager != nil {
		t.Errorf("Expected no manager after a failed setup")
	}
	if _, _, _, err := handle.Get("/color"); !errors.Is(err, storage.ErrClosed) {
		t.Errorf("Expected the handle to be closed, got %v", err)
	}
}

package experiments

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileParsesExperiments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	doc := `
experiments:
  - id: warm-tone
    status: active
    control: v1
    allocations:
      - variant: v2
        percent: 20
    channels: [telegram]
    window_size: 25
    max_error_rate: 0.2
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	exps, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(exps) != 1 {
		t.Fatalf("experiments = %d", len(exps))
	}
	e := exps[0]
	if e.ID != "warm-tone" || e.Control != "v1" || e.WindowSize != 25 {
		t.Errorf("experiment = %+v", e)
	}
	if len(e.Allocations) != 1 || e.Allocations[0].Percent != 20 {
		t.Errorf("allocations = %+v", e.Allocations)
	}
}

func TestLoadFileMissingPathIsEmpty(t *testing.T) {
	exps, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil || exps != nil {
		t.Errorf("got %v, %v", exps, err)
	}
}

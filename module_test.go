package probestation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/testutils/inject"
)

// testStation builds a controller wired to mock-link stage and SMU
// components, with results and history under a temp dir.
func testStation(t *testing.T, mutate func(*Config)) (*stationController, *mockStageLink, *mockSMULink) {
	t.Helper()
	logger := logging.NewTestLogger(t)

	stageComp, stageLink := newTestStage(t)
	smuComp, smuLink := newTestSMU(t, 10) // 10 ohm mock sample

	deps := resource.Dependencies{
		resource.NewName(sensor.API, "test-stage"): stageComp,
		resource.NewName(sensor.API, "test-smu"):   smuComp,
	}

	dir := t.TempDir()
	cfg := &Config{
		Stage:         "test-stage",
		SMU:           "test-smu",
		ResultsDir:    filepath.Join(dir, "results"),
		HistoryDB:     filepath.Join(dir, "runs.db"),
		SettleSeconds: 0.01,
	}
	if mutate != nil {
		mutate(cfg)
	}

	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")
	ctrl, err := NewController(context.Background(), deps, name, cfg, logger)
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })
	return ctrl.(*stationController), stageLink, smuLink
}

func TestControllerConfigValidate(t *testing.T) {
	t.Run("returns dependencies for valid config", func(t *testing.T) {
		cfg := &Config{Stage: "my-stage", SMU: "my-smu"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 2 || deps[0] != "my-stage" || deps[1] != "my-smu" {
			t.Errorf("expected [my-stage my-smu], got %v", deps)
		}
	})

	t.Run("errors when stage missing", func(t *testing.T) {
		cfg := &Config{SMU: "my-smu"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing stage")
		}
	})

	t.Run("errors when smu missing", func(t *testing.T) {
		cfg := &Config{Stage: "my-stage"}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing smu")
		}
	})
}

func TestResolveSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s := resolveSettings(&Config{Stage: "s", SMU: "m"})
		if s.ContactHeightMM != 5.4 {
			t.Errorf("ContactHeightMM = %v, want 5.4", s.ContactHeightMM)
		}
		if s.StartV != -0.5 || s.EndV != 0.5 || s.StepV != 0.02 {
			t.Errorf("sweep defaults wrong: %v..%v step %v", s.StartV, s.EndV, s.StepV)
		}
		if s.CorrectionFactor != 4.532 {
			t.Errorf("CorrectionFactor = %v, want 4.532", s.CorrectionFactor)
		}
		if s.CurrentLimitA != 0.2 {
			t.Errorf("CurrentLimitA = %v, want 0.2", s.CurrentLimitA)
		}
		if s.MaxContactRetries != 3 {
			t.Errorf("MaxContactRetries = %v, want 3", s.MaxContactRetries)
		}
	})

	t.Run("overrides respected", func(t *testing.T) {
		s := resolveSettings(&Config{Stage: "s", SMU: "m", StartV: -1, EndV: 1, StepV: 0.1, ContactHeightMM: 3})
		if s.StartV != -1 || s.EndV != 1 || s.StepV != 0.1 {
			t.Errorf("sweep overrides wrong: %v..%v step %v", s.StartV, s.EndV, s.StepV)
		}
		if s.ContactHeightMM != 3 {
			t.Errorf("ContactHeightMM = %v, want 3", s.ContactHeightMM)
		}
	})
}

func TestNewController_RejectsWrongDeviceType(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), "test")

	smuComp, _ := newTestSMU(t, 10)
	deps := resource.Dependencies{
		resource.NewName(sensor.API, "plain"):    inject.NewSensor("plain"),
		resource.NewName(sensor.API, "test-smu"): smuComp,
	}
	cfg := &Config{Stage: "plain", SMU: "test-smu"}

	if _, err := NewController(context.Background(), deps, name, cfg, logger); err == nil {
		t.Error("expected error for sensor that is not a stage device")
	}
}

func TestController_DoCommand(t *testing.T) {
	t.Run("missing command errors", func(t *testing.T) {
		c, _, _ := testStation(t, nil)
		if _, err := c.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
			t.Error("expected error for missing command")
		}
	})

	t.Run("unknown command errors", func(t *testing.T) {
		c, _, _ := testStation(t, nil)
		if _, err := c.DoCommand(context.Background(), map[string]interface{}{"command": "levitate"}); err == nil {
			t.Error("expected error for unknown command")
		}
	})
}

func TestController_CheckConnection(t *testing.T) {
	c, stageLink, _ := testStation(t, nil)
	ctx := context.Background()

	result, err := c.DoCommand(ctx, map[string]interface{}{"command": "check_connection"})
	if err != nil {
		t.Fatalf("check_connection failed: %v", err)
	}
	if result["stage_ready"] != true || result["probe_ready"] != true {
		t.Errorf("devices not ready: %v", result)
	}
	// Mock stage starts unhomed, so the check should have homed it.
	if result["stage_did_home"] != true {
		t.Errorf("stage_did_home = %v, want true", result["stage_did_home"])
	}
	if !stageLink.homed {
		t.Error("mock stage should be homed after check_connection")
	}

	// Second check finds it already homed.
	result, err = c.DoCommand(ctx, map[string]interface{}{"command": "check_connection"})
	if err != nil {
		t.Fatalf("second check_connection failed: %v", err)
	}
	if result["stage_did_home"] != false {
		t.Errorf("stage_did_home = %v, want false on second check", result["stage_did_home"])
	}
}

func TestController_RunMeasurement(t *testing.T) {
	c, _, _ := testStation(t, nil)
	ctx := context.Background()

	if _, err := c.DoCommand(ctx, map[string]interface{}{"command": "check_connection"}); err != nil {
		t.Fatalf("check_connection failed: %v", err)
	}

	result, err := c.DoCommand(ctx, map[string]interface{}{
		"command":      "run_measurement",
		"sample_name":  "FTO glass",
		"thickness_mm": 0.001,
	})
	if err != nil {
		t.Fatalf("run_measurement failed: %v", err)
	}

	if result["status"] != "completed" {
		t.Errorf("status = %v, want completed", result["status"])
	}
	if result["points"].(int) != 51 {
		t.Errorf("points = %v, want 51", result["points"])
	}
	// Mock sample is 10 ohm, so every nonzero point reads
	// Rs = 10 * 4.532 = 45.32 Ohm/sq.
	if !almostEqual(result["avg_sheet_res"].(float64), 45.32, 1e-6) {
		t.Errorf("avg_sheet_res = %v, want 45.32", result["avg_sheet_res"])
	}
	// sigma = 1 / (45.32 * 1e-6 m)
	wantSigma := 1 / (45.32 * 1e-6)
	if !almostEqual(result["avg_conductivity"].(float64), wantSigma, 1) {
		t.Errorf("avg_conductivity = %v, want %v", result["avg_conductivity"], wantSigma)
	}

	csvPath := result["csv_path"].(string)
	if _, err := os.Stat(csvPath); err != nil {
		t.Errorf("csv not written: %v", err)
	}
	pngPath := result["png_path"].(string)
	if _, err := os.Stat(pngPath); err != nil {
		t.Errorf("plot not written: %v", err)
	}

	// State reflects the completed run.
	state := c.GetState()
	if state["phase"] != phaseDone {
		t.Errorf("phase = %v, want done", state["phase"])
	}
	if state["sample"] != "FTO glass" {
		t.Errorf("sample = %v, want FTO glass", state["sample"])
	}

	// And the history has it.
	last, err := c.DoCommand(ctx, map[string]interface{}{"command": "last_run"})
	if err != nil {
		t.Fatalf("last_run failed: %v", err)
	}
	if last["sample"] != "FTO glass" {
		t.Errorf("history sample = %v, want FTO glass", last["sample"])
	}
	if last["run_id"] != result["run_id"] {
		t.Errorf("history run_id = %v, want %v", last["run_id"], result["run_id"])
	}
}

func TestController_RunMeasurement_RequiresHomedStage(t *testing.T) {
	c, _, _ := testStation(t, nil)

	_, err := c.DoCommand(context.Background(), map[string]interface{}{
		"command":      "run_measurement",
		"sample_name":  "x",
		"thickness_mm": 0.001,
	})
	if err == nil {
		t.Fatal("expected error for unhomed stage")
	}

	state := c.GetState()
	if state["phase"] != phaseFailed {
		t.Errorf("phase = %v, want failed", state["phase"])
	}
}

func TestController_RunMeasurement_ParamValidation(t *testing.T) {
	c, _, _ := testStation(t, nil)
	ctx := context.Background()

	t.Run("missing thickness", func(t *testing.T) {
		if _, err := c.DoCommand(ctx, map[string]interface{}{
			"command":     "run_measurement",
			"sample_name": "x",
		}); err == nil {
			t.Error("expected error for missing thickness_mm")
		}
	})

	t.Run("non-positive thickness", func(t *testing.T) {
		if _, err := c.DoCommand(ctx, map[string]interface{}{
			"command":      "run_measurement",
			"thickness_mm": -0.1,
		}); err == nil {
			t.Error("expected error for negative thickness_mm")
		}
	})

	t.Run("bad contact policy", func(t *testing.T) {
		if _, err := c.DoCommand(ctx, map[string]interface{}{
			"command":       "run_measurement",
			"thickness_mm":  0.001,
			"on_no_contact": "shrug",
		}); err == nil {
			t.Error("expected error for bad on_no_contact")
		}
	})
}

func TestController_ContactPolicies(t *testing.T) {
	t.Run("abort fails the run on open circuit", func(t *testing.T) {
		c, _, smuLink := testStation(t, nil)
		ctx := context.Background()
		if _, err := c.DoCommand(ctx, map[string]interface{}{"command": "check_connection"}); err != nil {
			t.Fatalf("check_connection failed: %v", err)
		}
		smuLink.SetOpenCircuit(true)

		_, err := c.DoCommand(ctx, map[string]interface{}{
			"command":       "run_measurement",
			"thickness_mm":  0.001,
			"on_no_contact": "abort",
		})
		if err == nil {
			t.Fatal("expected abort error for open circuit")
		}
	})

	t.Run("retry gives up after bounded attempts", func(t *testing.T) {
		c, _, smuLink := testStation(t, func(cfg *Config) {
			cfg.MaxContactRetries = 2
		})
		ctx := context.Background()
		if _, err := c.DoCommand(ctx, map[string]interface{}{"command": "check_connection"}); err != nil {
			t.Fatalf("check_connection failed: %v", err)
		}
		smuLink.SetOpenCircuit(true)

		_, err := c.DoCommand(ctx, map[string]interface{}{
			"command":      "run_measurement",
			"thickness_mm": 0.001,
		})
		if err == nil {
			t.Fatal("expected retry exhaustion error for open circuit")
		}
	})

	t.Run("override measures despite open circuit", func(t *testing.T) {
		c, _, smuLink := testStation(t, nil)
		ctx := context.Background()
		if _, err := c.DoCommand(ctx, map[string]interface{}{"command": "check_connection"}); err != nil {
			t.Fatalf("check_connection failed: %v", err)
		}
		smuLink.SetOpenCircuit(true)

		result, err := c.DoCommand(ctx, map[string]interface{}{
			"command":       "run_measurement",
			"thickness_mm":  0.001,
			"on_no_contact": "override",
		})
		if err != nil {
			t.Fatalf("run_measurement with override failed: %v", err)
		}
		// All currents are zero, so every point degrades to Rs = 0.
		if result["valid_points"].(int) != 0 {
			t.Errorf("valid_points = %v, want 0", result["valid_points"])
		}
	})
}

func TestController_LastRunWithoutHistory(t *testing.T) {
	c, _, _ := testStation(t, func(cfg *Config) {
		cfg.HistoryDB = ""
	})
	if _, err := c.DoCommand(context.Background(), map[string]interface{}{"command": "last_run"}); err == nil {
		t.Error("expected error when history is not configured")
	}
}

func TestController_Close(t *testing.T) {
	c, _, _ := testStation(t, nil)
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

package probestation

import (
	"context"
	"testing"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

type mockStateProvider struct {
	state map[string]interface{}
}

func (m *mockStateProvider) GetState() map[string]interface{} {
	return m.state
}

func TestRunSensorConfigValidate(t *testing.T) {
	t.Run("requires controller", func(t *testing.T) {
		cfg := &RunSensorConfig{}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for missing controller")
		}
	})

	t.Run("declares controller as generic service dep", func(t *testing.T) {
		cfg := &RunSensorConfig{Controller: "station"}
		deps, _, err := cfg.Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 1 {
			t.Fatalf("expected 1 dependency, got %d", len(deps))
		}
	})
}

func TestRunSensor_ReadingsReturnControllerState(t *testing.T) {
	logger := logging.NewTestLogger(t)
	name := resource.NewName(sensor.API, "test-run-sensor")

	expectedState := map[string]interface{}{
		"phase":        "sweeping",
		"run_id":       "0b69b3f3-0e2c-4a46-8a35-44f391c1ba47",
		"sample":       "FTO",
		"points_done":  12,
		"total_points": 51,
	}

	mock := &mockStateProvider{state: expectedState}
	rs := &runSensor{
		name:       name,
		logger:     logger,
		controller: mock,
	}

	readings, err := rs.Readings(context.Background(), nil)
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}

	for _, key := range []string{"phase", "run_id", "sample", "points_done", "total_points"} {
		if readings[key] != expectedState[key] {
			t.Errorf("%s: expected %v, got %v", key, expectedState[key], readings[key])
		}
	}
}

func TestRunSensor_DoCommandUnsupported(t *testing.T) {
	rs := &runSensor{
		name:   resource.NewName(sensor.API, "test-run-sensor"),
		logger: logging.NewTestLogger(t),
	}
	if _, err := rs.DoCommand(context.Background(), map[string]interface{}{"command": "anything"}); err == nil {
		t.Error("expected DoCommand to be unsupported")
	}
}

package probestation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var ContactSensorModel = resource.NewModel("probelab", "four-point-probe", "contact-sensor")

func init() {
	resource.RegisterComponent(sensor.API, ContactSensorModel,
		resource.Registration[sensor.Sensor, *ContactSensorConfig]{
			Constructor: newContactSensor,
		},
	)
}

type ContactSensorConfig struct {
	SMU            string  `json:"smu"`                          // REQUIRED: name of the SMU sensor
	UseMockCurve   bool    `json:"use_mock_curve,omitempty"`     // optional: use mock current curve instead of hardware
	CurrentKey     string  `json:"current_key,omitempty"`
	SampleRateHz   int     `json:"sample_rate_hz,omitempty"`
	BufferSize     int     `json:"buffer_size,omitempty"`
	ThresholdA     float64 `json:"contact_threshold_a,omitempty"` // currents at or above this count as contact (default: 1e-4)
	CaptureTimeout int     `json:"capture_timeout_ms,omitempty"`  // timeout in ms (default: 10000)
}

func (cfg *ContactSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.SMU == "" {
		return nil, nil, fmt.Errorf("%s: smu is required", path)
	}
	return []string{cfg.SMU}, nil, nil
}

// currentReader abstracts current reading for mock vs hardware implementations
type currentReader interface {
	ReadCurrent(ctx context.Context) (float64, error)
}

// mockCurrentReader simulates a contact profile: near-zero while the
// probe hangs free, ohmic ramp once the sample touches the tips.
type mockCurrentReader struct {
	mu           sync.Mutex
	inContact    bool
	contactCount int
}

func newMockCurrentReader() *mockCurrentReader {
	return &mockCurrentReader{}
}

func (m *mockCurrentReader) ReadCurrent(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inContact {
		// Probe lifted - leakage-level current only
		return 5e-8, nil
	}

	// Probe touching - ramp from 0.2mA to 1mA over 40 samples, then hold
	m.contactCount++
	if m.contactCount < 40 {
		return 2e-4 + float64(m.contactCount)*2e-5, nil
	}
	return 1e-3, nil
}

func (m *mockCurrentReader) SetContact(inContact bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inContact = inContact
	if inContact {
		m.contactCount = 0
	}
}

// smuCurrentReader wraps the SMU sensor component to read current values
type smuCurrentReader struct {
	sensor     sensor.Sensor
	currentKey string
}

func newSMUCurrentReader(s sensor.Sensor, currentKey string) *smuCurrentReader {
	if currentKey == "" {
		currentKey = "current"
	}
	return &smuCurrentReader{sensor: s, currentKey: currentKey}
}

func (r *smuCurrentReader) ReadCurrent(ctx context.Context) (float64, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return 0, err
	}

	val, ok := readings[r.currentKey]
	if !ok {
		return 0, fmt.Errorf("smu readings missing %q key", r.currentKey)
	}

	switch v := val.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("smu reading %q is not numeric: %T", r.currentKey, val)
	}
}

type captureState int

const (
	captureIdle captureState = iota
	captureWaiting // waiting for first above-threshold reading
	captureActive  // actively capturing samples
)

type contactSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	reader currentReader

	sampleRateHz   int
	bufferSize     int
	thresholdA     float64
	captureTimeout time.Duration

	mu           sync.Mutex
	samples      []float64
	state        captureState
	timeoutTimer *time.Timer

	// Run metadata passed via start_capture
	runID  string
	sample string
}

func newContactSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*ContactSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	sampleRate := conf.SampleRateHz
	if sampleRate <= 0 {
		sampleRate = 20
	}

	bufferSize := conf.BufferSize
	if bufferSize <= 0 {
		bufferSize = 100
	}

	threshold := conf.ThresholdA
	if threshold <= 0 {
		threshold = 1e-4
	}

	captureTimeout := conf.CaptureTimeout
	if captureTimeout <= 0 {
		captureTimeout = 10000 // 10 seconds default
	}

	var reader currentReader
	if conf.UseMockCurve {
		reader = newMockCurrentReader()
		logger.Infof("contact-sensor using mock curve (use_mock_curve=true)")
	} else {
		smuSensor, err := sensor.FromDependencies(deps, conf.SMU)
		if err != nil {
			return nil, fmt.Errorf("getting smu sensor: %w", err)
		}
		reader = newSMUCurrentReader(smuSensor, conf.CurrentKey)
		logger.Infof("contact-sensor wrapping smu %q (key: %q)", conf.SMU, conf.CurrentKey)
	}

	cs := &contactSensor{
		name:           rawConf.ResourceName(),
		logger:         logger,
		reader:         reader,
		sampleRateHz:   sampleRate,
		bufferSize:     bufferSize,
		thresholdA:     threshold,
		captureTimeout: time.Duration(captureTimeout) * time.Millisecond,
		samples:        make([]float64, 0, bufferSize),
		state:          captureIdle,
	}

	go cs.samplingLoop()

	return cs, nil
}

func (cs *contactSensor) Name() resource.Name {
	return cs.name
}

func (cs *contactSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	cs.mu.Lock()
	samplesCopy := make([]float64, len(cs.samples))
	copy(samplesCopy, cs.samples)
	state := cs.state
	runID := cs.runID
	sample := cs.sample
	threshold := cs.thresholdA
	cs.mu.Unlock()

	samplesInterface := make([]interface{}, len(samplesCopy))
	for i, v := range samplesCopy {
		samplesInterface[i] = v
	}

	stateStr := "idle"
	switch state {
	case captureWaiting:
		stateStr = "waiting"
	case captureActive:
		stateStr = "capturing"
	}

	result := map[string]interface{}{
		"run_id":        runID,
		"sample":        sample,
		"samples":       samplesInterface,
		"sample_count":  len(samplesCopy),
		"capture_state": stateStr,
	}

	if len(samplesCopy) > 0 {
		max := samplesCopy[0]
		for _, v := range samplesCopy[1:] {
			if v > max {
				max = v
			}
		}
		result["max_current_a"] = max
		result["in_contact"] = max >= threshold
	}

	return result, nil
}

func (cs *contactSensor) samplingLoop() {
	ticker := time.NewTicker(time.Second / time.Duration(cs.sampleRateHz))
	defer ticker.Stop()

	for range ticker.C {
		cs.mu.Lock()
		currentState := cs.state
		cs.mu.Unlock()

		if currentState == captureIdle {
			continue
		}

		current, err := cs.reader.ReadCurrent(context.Background())
		if err != nil {
			cs.logger.Warnf("failed to read current: %v", err)
			continue
		}
		current = abs(current)

		cs.mu.Lock()
		if cs.state == captureWaiting && current >= cs.thresholdA {
			// First above-threshold reading - start capturing
			cs.state = captureActive
			cs.samples = cs.samples[:0]
			cs.logger.Infof("contact capture started (first reading: %.4f mA)", current*1000)
		}

		if cs.state == captureActive {
			if len(cs.samples) >= cs.bufferSize {
				cs.samples = cs.samples[1:]
			}
			cs.samples = append(cs.samples, current)
		}
		cs.mu.Unlock()
	}
}

func (cs *contactSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "start_capture":
		return cs.handleStartCapture(cmd)
	case "end_capture":
		return cs.handleEndCapture()
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (cs *contactSensor) handleStartCapture(cmd map[string]interface{}) (map[string]interface{}, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state != captureIdle {
		return nil, fmt.Errorf("capture already in progress (state: %d)", cs.state)
	}

	cs.runID = ""
	cs.sample = ""
	if runID, ok := cmd["run_id"].(string); ok {
		cs.runID = runID
	}
	if sample, ok := cmd["sample"].(string); ok {
		cs.sample = sample
	}

	cs.state = captureWaiting
	cs.samples = cs.samples[:0]

	// Start timeout timer
	cs.timeoutTimer = time.AfterFunc(cs.captureTimeout, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if cs.state != captureIdle {
			cs.logger.Errorf("capture timeout: end_capture not called within %v", cs.captureTimeout)
			cs.state = captureIdle
		}
	})

	// If using mock reader, simulate the sample touching down
	if mock, ok := cs.reader.(*mockCurrentReader); ok {
		mock.SetContact(true)
	}

	cs.logger.Infof("capture started, waiting for above-threshold reading (threshold: %.4f mA)", cs.thresholdA*1000)
	return map[string]interface{}{"status": "waiting"}, nil
}

func (cs *contactSensor) handleEndCapture() (map[string]interface{}, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state == captureIdle {
		return nil, fmt.Errorf("no capture in progress")
	}

	// Cancel timeout
	if cs.timeoutTimer != nil {
		cs.timeoutTimer.Stop()
		cs.timeoutTimer = nil
	}

	// If using mock reader, simulate the probe lifting off
	if mock, ok := cs.reader.(*mockCurrentReader); ok {
		mock.SetContact(false)
	}

	sampleCount := len(cs.samples)
	var maxCurrent float64
	if sampleCount > 0 {
		maxCurrent = cs.samples[0]
		for _, v := range cs.samples[1:] {
			if v > maxCurrent {
				maxCurrent = v
			}
		}
	}

	prevState := cs.state
	cs.state = captureIdle

	runID := cs.runID
	sample := cs.sample
	cs.runID = ""
	cs.sample = ""

	stateStr := "waiting"
	if prevState == captureActive {
		stateStr = "capturing"
	}

	cs.logger.Infof("capture ended (was %s): %d samples, max current: %.4f mA", stateStr, sampleCount, maxCurrent*1000)
	return map[string]interface{}{
		"status":        "completed",
		"sample_count":  sampleCount,
		"max_current_a": maxCurrent,
		"in_contact":    maxCurrent >= cs.thresholdA,
		"run_id":        runID,
		"sample":        sample,
	}, nil
}

func (cs *contactSensor) Close(context.Context) error {
	cs.mu.Lock()
	if cs.timeoutTimer != nil {
		cs.timeoutTimer.Stop()
	}
	cs.mu.Unlock()
	return nil
}

package probestation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var Controller = resource.NewModel("probelab", "four-point-probe", "station-controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newStationController,
		},
	)
}

type Config struct {
	Stage string `json:"stage"`
	SMU   string `json:"smu"`

	ResultsDir string `json:"results_dir,omitempty"`
	HistoryDB  string `json:"history_db,omitempty"` // sqlite run history, disabled when empty

	ContactHeightMM   float64 `json:"contact_height_mm,omitempty"`
	SettleSeconds     float64 `json:"settle_seconds,omitempty"`
	TestVoltage       float64 `json:"test_voltage,omitempty"`
	ContactThresholdA float64 `json:"contact_threshold_a,omitempty"`
	RetryIncrementMM  float64 `json:"retry_increment_mm,omitempty"`
	MaxContactRetries int     `json:"max_contact_retries,omitempty"`

	StartV           float64 `json:"start_v,omitempty"`
	EndV             float64 `json:"end_v,omitempty"`
	StepV            float64 `json:"step_v,omitempty"`
	CurrentLimitA    float64 `json:"current_limit_a,omitempty"`
	CorrectionFactor float64 `json:"correction_factor,omitempty"`
	HomeTimeoutS     float64 `json:"home_timeout_s,omitempty"`
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Stage == "" {
		return nil, nil, fmt.Errorf("%s: stage is required", path)
	}
	if cfg.SMU == "" {
		return nil, nil, fmt.Errorf("%s: smu is required", path)
	}
	return []string{cfg.Stage, cfg.SMU}, nil, nil
}

// stationSettings is the resolved runtime configuration after defaults.
type stationSettings struct {
	ResultsDir        string
	ContactHeightMM   float64
	Settle            time.Duration
	TestVoltage       float64
	ContactThresholdA float64
	RetryIncrementMM  float64
	MaxContactRetries int
	StartV            float64
	EndV              float64
	StepV             float64
	CurrentLimitA     float64
	VoltageLimitV     float64
	CorrectionFactor  float64
	HomeTimeout       time.Duration
}

func resolveSettings(cfg *Config) stationSettings {
	s := stationSettings{
		ResultsDir:        cfg.ResultsDir,
		ContactHeightMM:   cfg.ContactHeightMM,
		TestVoltage:       cfg.TestVoltage,
		ContactThresholdA: cfg.ContactThresholdA,
		RetryIncrementMM:  cfg.RetryIncrementMM,
		MaxContactRetries: cfg.MaxContactRetries,
		StartV:            cfg.StartV,
		EndV:              cfg.EndV,
		StepV:             cfg.StepV,
		CurrentLimitA:     cfg.CurrentLimitA,
		VoltageLimitV:     10.0,
		CorrectionFactor:  cfg.CorrectionFactor,
	}
	if s.ResultsDir == "" {
		s.ResultsDir = "results_automated"
	}
	if s.ContactHeightMM <= 0 {
		s.ContactHeightMM = 5.4
	}
	settle := cfg.SettleSeconds
	if settle <= 0 {
		settle = 1.0
	}
	s.Settle = time.Duration(settle * float64(time.Second))
	if s.TestVoltage <= 0 {
		s.TestVoltage = 0.1
	}
	if s.ContactThresholdA <= 0 {
		s.ContactThresholdA = 1e-4
	}
	if s.RetryIncrementMM <= 0 {
		s.RetryIncrementMM = 0.1
	}
	if s.MaxContactRetries <= 0 {
		s.MaxContactRetries = 3
	}
	if s.StepV <= 0 {
		s.StepV = 0.02
	}
	if s.StartV == 0 && s.EndV == 0 {
		s.StartV, s.EndV = -0.5, 0.5
	}
	if s.CurrentLimitA <= 0 {
		s.CurrentLimitA = 0.2
	}
	if s.CorrectionFactor <= 0 {
		s.CorrectionFactor = 4.532
	}
	homeTimeout := cfg.HomeTimeoutS
	if homeTimeout <= 0 {
		homeTimeout = 120
	}
	s.HomeTimeout = time.Duration(homeTimeout * float64(time.Second))
	return s
}

// stageDevice is the stage surface the controller drives.
type stageDevice interface {
	Enable(ctx context.Context) error
	Homed(ctx context.Context) (bool, error)
	Home(ctx context.Context) error
	PositionMillimeters(ctx context.Context) (float64, error)
	MoveToMillimeters(ctx context.Context, mm float64) error
}

// smuDevice is the source-measure surface the controller drives.
type smuDevice interface {
	Hello(ctx context.Context) (string, error)
	BoardTemperature(ctx context.Context) (float64, error)
	Configure(ctx context.Context, currentLimitA, voltageLimitV float64) error
	OneShot(ctx context.Context, voltage float64) (IVPoint, error)
	SetVoltage(ctx context.Context, voltage float64) error
	SetEnabled(ctx context.Context, enabled bool) error
}

// Run phases exposed through GetState.
const (
	phaseIdle             = "idle"
	phaseConnecting       = "connecting"
	phasePositioning      = "positioning"
	phaseVerifyingContact = "verifying_contact"
	phaseSweeping         = "sweeping"
	phaseSaving           = "saving"
	phaseHoming           = "homing"
	phaseDone             = "done"
	phaseFailed           = "failed"
)

// ContactPolicy decides what happens when the contact check fails.
type ContactPolicy string

const (
	ContactRetry    ContactPolicy = "retry"
	ContactAbort    ContactPolicy = "abort"
	ContactOverride ContactPolicy = "override"
)

type runState struct {
	Phase       string
	RunID       string
	Sample      string
	ThicknessM  float64
	PointsDone  int
	TotalPoints int
	Summary     Summary
	Files       ResultFiles
	Err         string
	StartedAt   time.Time
}

type stationController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	settings stationSettings
	stage    stageDevice
	smu      smuDevice
	store    *RunStore

	mu      sync.Mutex
	running bool
	state   runState

	cancelCtx  context.Context
	cancelFunc func()
}

func newStationController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	stageSensor, err := sensor.FromDependencies(deps, conf.Stage)
	if err != nil {
		return nil, fmt.Errorf("getting stage: %w", err)
	}
	stage, ok := stageSensor.(stageDevice)
	if !ok {
		return nil, fmt.Errorf("stage %q does not implement the stage device interface", conf.Stage)
	}

	smuSensor, err := sensor.FromDependencies(deps, conf.SMU)
	if err != nil {
		return nil, fmt.Errorf("getting smu: %w", err)
	}
	smu, ok := smuSensor.(smuDevice)
	if !ok {
		return nil, fmt.Errorf("smu %q does not implement the smu device interface", conf.SMU)
	}

	var store *RunStore
	if conf.HistoryDB != "" {
		store, err = NewRunStore(conf.HistoryDB)
		if err != nil {
			return nil, fmt.Errorf("opening run history: %w", err)
		}
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	c := &stationController{
		name:       name,
		logger:     logger,
		cfg:        conf,
		settings:   resolveSettings(conf),
		stage:      stage,
		smu:        smu,
		store:      store,
		state:      runState{Phase: phaseIdle},
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	return c, nil
}

func (c *stationController) Name() resource.Name {
	return c.name
}

// GetState exposes the current run for the run sensor.
func (c *stationController) GetState() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := map[string]interface{}{
		"phase":        c.state.Phase,
		"run_id":       c.state.RunID,
		"sample":       c.state.Sample,
		"thickness_m":  c.state.ThicknessM,
		"points_done":  c.state.PointsDone,
		"total_points": c.state.TotalPoints,
	}
	if c.state.Phase == phaseDone {
		st["avg_sheet_res"] = c.state.Summary.AvgSheetRes
		st["avg_conductivity"] = c.state.Summary.AvgConductivity
		st["valid_points"] = c.state.Summary.ValidPoints
		st["csv_path"] = c.state.Files.CSVPath
		st["png_path"] = c.state.Files.PNGPath
	}
	if c.state.Err != "" {
		st["error"] = c.state.Err
	}
	if !c.state.StartedAt.IsZero() {
		st["started_at"] = c.state.StartedAt.UTC().Format(time.RFC3339)
	}
	return st
}

func (c *stationController) setPhase(phase string) {
	c.mu.Lock()
	c.state.Phase = phase
	c.mu.Unlock()
	c.logger.Infof("phase: %s", phase)
}

func (c *stationController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "check_connection":
		return c.handleCheckConnection(ctx)
	case "run_measurement":
		return c.handleRunMeasurement(ctx, cmd)
	case "last_run":
		return c.handleLastRun(ctx)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// handleCheckConnection verifies both instruments respond and homes
// the stage if it is not homed yet.
func (c *stationController) handleCheckConnection(ctx context.Context) (map[string]interface{}, error) {
	result := map[string]interface{}{}

	if err := c.stage.Enable(ctx); err != nil {
		return nil, fmt.Errorf("enabling stage: %w", err)
	}
	homed, err := c.stage.Homed(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying homed state: %w", err)
	}
	didHome := false
	if !homed {
		c.logger.Infof("stage not homed, starting homing sequence (up to %v)", c.settings.HomeTimeout)
		homeCtx, cancel := context.WithTimeout(ctx, c.settings.HomeTimeout)
		err := c.stage.Home(homeCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("homing stage: %w", err)
		}
		didHome = true
	}
	pos, err := c.stage.PositionMillimeters(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stage position: %w", err)
	}
	result["stage_ready"] = true
	result["stage_homed"] = true
	result["stage_did_home"] = didHome
	result["stage_position_mm"] = pos

	greeting, err := c.smu.Hello(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe hello: %w", err)
	}
	result["probe_ready"] = true
	result["probe_reply"] = greeting
	if temp, err := c.smu.BoardTemperature(ctx); err != nil {
		c.logger.Warnf("reading board temperature: %v", err)
	} else {
		result["probe_board_temp_c"] = temp
	}

	c.logger.Infof("connection check passed (stage at %.2f mm, probe: %s)", pos, greeting)
	return result, nil
}

type runParams struct {
	Sample     string
	ThicknessM float64
	Policy     ContactPolicy
}

func parseRunParams(cmd map[string]interface{}) (runParams, error) {
	var p runParams
	name, _ := cmd["sample_name"].(string)
	p.Sample = SanitizeSampleName(name)

	thicknessMM, ok := cmd["thickness_mm"].(float64)
	if !ok {
		return p, fmt.Errorf("run_measurement requires numeric 'thickness_mm'")
	}
	if thicknessMM <= 0 {
		return p, fmt.Errorf("thickness_mm must be positive, got %g", thicknessMM)
	}
	p.ThicknessM = thicknessMM * 1e-3

	policy, _ := cmd["on_no_contact"].(string)
	switch ContactPolicy(policy) {
	case ContactRetry, ContactAbort, ContactOverride:
		p.Policy = ContactPolicy(policy)
	case "":
		p.Policy = ContactRetry
	default:
		return p, fmt.Errorf("on_no_contact must be retry, abort or override, got %q", policy)
	}
	return p, nil
}

func (c *stationController) handleRunMeasurement(ctx context.Context, cmd map[string]interface{}) (result map[string]interface{}, retErr error) {
	params, err := parseRunParams(cmd)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("a measurement run is already in progress")
	}
	c.running = true
	c.state = runState{
		Phase:      phaseConnecting,
		RunID:      uuid.New().String(),
		Sample:     params.Sample,
		ThicknessM: params.ThicknessM,
		StartedAt:  time.Now(),
	}
	runID := c.state.RunID
	startedAt := c.state.StartedAt
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		if retErr != nil {
			c.state.Phase = phaseFailed
			c.state.Err = retErr.Error()
		}
		c.mu.Unlock()
		// Leave the output safe whatever happened.
		retErr = multierr.Append(retErr, c.shutdownOutput())
	}()

	c.logger.Infof("run %s: sample %q, thickness %.2e m, contact policy %s",
		runID, params.Sample, params.ThicknessM, params.Policy)

	// The stage must have a valid home reference before any absolute move.
	if err := c.stage.Enable(ctx); err != nil {
		return nil, fmt.Errorf("enabling stage: %w", err)
	}
	homed, err := c.stage.Homed(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying homed state: %w", err)
	}
	if !homed {
		return nil, fmt.Errorf("stage is not homed; run check_connection first")
	}

	c.setPhase(phasePositioning)
	if err := c.moveAndSettle(ctx, c.settings.ContactHeightMM); err != nil {
		return nil, err
	}

	c.setPhase(phaseVerifyingContact)
	if err := c.verifyContact(ctx, params.Policy); err != nil {
		c.returnHome(ctx)
		return nil, err
	}

	c.setPhase(phaseSweeping)
	records, err := c.sweep(ctx, params.ThicknessM)
	if err != nil {
		c.returnHome(ctx)
		return nil, err
	}

	c.setPhase(phaseSaving)
	sum := Summarize(records)
	files, err := WriteResults(c.settings.ResultsDir, params.Sample, startedAt, records, sum)
	if err != nil {
		c.returnHome(ctx)
		return nil, fmt.Errorf("saving results: %w", err)
	}
	if c.store != nil {
		rec := RunRecord{
			ID:              runID,
			Sample:          params.Sample,
			ThicknessM:      params.ThicknessM,
			Points:          sum.Points,
			ValidPoints:     sum.ValidPoints,
			AvgSheetRes:     sum.AvgSheetRes,
			AvgConductivity: sum.AvgConductivity,
			CSVPath:         files.CSVPath,
			PNGPath:         files.PNGPath,
			StartedAt:       startedAt,
		}
		if err := c.store.Insert(ctx, rec); err != nil {
			c.logger.Warnf("recording run history: %v", err)
		}
	}

	c.setPhase(phaseHoming)
	c.returnHome(ctx)

	c.mu.Lock()
	c.state.Phase = phaseDone
	c.state.Summary = sum
	c.state.Files = files
	c.mu.Unlock()

	c.logger.Infof("run %s complete: %d points, avg Rs %.2f Ohm/sq, avg sigma %.4e S/m",
		runID, sum.Points, sum.AvgSheetRes, sum.AvgConductivity)

	return map[string]interface{}{
		"status":           "completed",
		"run_id":           runID,
		"sample":           params.Sample,
		"points":           sum.Points,
		"valid_points":     sum.ValidPoints,
		"avg_sheet_res":    sum.AvgSheetRes,
		"avg_conductivity": sum.AvgConductivity,
		"csv_path":         files.CSVPath,
		"png_path":         files.PNGPath,
	}, nil
}

func (c *stationController) handleLastRun(ctx context.Context) (map[string]interface{}, error) {
	if c.store == nil {
		return nil, fmt.Errorf("run history is not configured (set history_db)")
	}
	rec, err := c.store.LastRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	return map[string]interface{}{
		"run_id":           rec.ID,
		"sample":           rec.Sample,
		"thickness_m":      rec.ThicknessM,
		"points":           rec.Points,
		"valid_points":     rec.ValidPoints,
		"avg_sheet_res":    rec.AvgSheetRes,
		"avg_conductivity": rec.AvgConductivity,
		"csv_path":         rec.CSVPath,
		"png_path":         rec.PNGPath,
		"started_at":       rec.StartedAt.UTC().Format(time.RFC3339),
	}, nil
}

func (c *stationController) moveAndSettle(ctx context.Context, mm float64) error {
	if err := c.stage.MoveToMillimeters(ctx, mm); err != nil {
		return fmt.Errorf("moving stage to %.2f mm: %w", mm, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.settings.Settle):
	}
	return nil
}

// verifyContact applies the test voltage and checks the current
// against the contact threshold. On low current the configured policy
// applies: retry raises the stage by the retry increment a bounded
// number of times, override proceeds anyway, abort fails the run.
func (c *stationController) verifyContact(ctx context.Context, policy ContactPolicy) error {
	if err := c.smu.Configure(ctx, c.settings.CurrentLimitA, c.settings.VoltageLimitV); err != nil {
		return fmt.Errorf("configuring smu: %w", err)
	}

	height := c.settings.ContactHeightMM
	for attempt := 0; ; attempt++ {
		p, err := c.smu.OneShot(ctx, c.settings.TestVoltage)
		if err != nil {
			return fmt.Errorf("contact test at %.2f mm: %w", height, err)
		}
		if err := c.smu.SetVoltage(ctx, 0); err != nil {
			return fmt.Errorf("zeroing test voltage: %w", err)
		}

		current := abs(p.Current)
		c.logger.Infof("contact test at %.2f mm: V=%.4f, I=%.4f mA (threshold %.4f mA)",
			height, p.Voltage, current*1000, c.settings.ContactThresholdA*1000)

		if current >= c.settings.ContactThresholdA {
			return nil
		}

		switch policy {
		case ContactOverride:
			c.logger.Warnf("low contact current, overriding and measuring anyway")
			return nil
		case ContactAbort:
			return fmt.Errorf("no probe contact at %.2f mm (%.4f mA below threshold)", height, current*1000)
		case ContactRetry:
			if attempt >= c.settings.MaxContactRetries {
				return fmt.Errorf("no probe contact after %d retries (last height %.2f mm)", attempt, height)
			}
			height += c.settings.RetryIncrementMM
			c.logger.Infof("no contact, retrying at %.2f mm", height)
			if err := c.moveAndSettle(ctx, height); err != nil {
				return err
			}
		}
	}
}

// sweep walks the voltage range and derives a record per point.
// Individual point failures are logged and skipped.
func (c *stationController) sweep(ctx context.Context, thicknessM float64) ([]Record, error) {
	voltages := SweepVoltages(c.settings.StartV, c.settings.EndV, c.settings.StepV)
	c.mu.Lock()
	c.state.TotalPoints = len(voltages)
	c.mu.Unlock()

	c.logger.Infof("voltage sweep: %gV to %gV (step %gV, %d points)",
		c.settings.StartV, c.settings.EndV, c.settings.StepV, len(voltages))

	records := make([]Record, 0, len(voltages))
	for _, setV := range voltages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := c.smu.OneShot(ctx, setV)
		if err != nil {
			c.logger.Warnf("sweep point %.3fV failed: %v", setV, err)
			continue
		}
		records = append(records, DeriveRecord(setV, p, c.settings.CorrectionFactor, thicknessM))
		c.mu.Lock()
		c.state.PointsDone = len(records)
		c.mu.Unlock()
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("sweep produced no readings")
	}
	return records, nil
}

// returnHome is best-effort: a failed park never masks the run error.
func (c *stationController) returnHome(ctx context.Context) {
	if err := c.stage.MoveToMillimeters(ctx, 0); err != nil {
		c.logger.Warnf("returning stage home: %v", err)
	}
}

// shutdownOutput zeroes and disables the SMU output.
func (c *stationController) shutdownOutput() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	err = multierr.Append(err, c.smu.SetVoltage(ctx, 0))
	err = multierr.Append(err, c.smu.SetEnabled(ctx, false))
	if err != nil {
		return fmt.Errorf("shutting down smu output: %w", err)
	}
	return nil
}

func (c *stationController) Close(context.Context) error {
	c.cancelFunc()
	err := c.shutdownOutput()
	if c.store != nil {
		err = multierr.Append(err, c.store.Close())
	}
	return err
}

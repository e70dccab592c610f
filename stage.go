package probestation

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var StageModel = resource.NewModel("probelab", "four-point-probe", "kinesis-stage")

func init() {
	resource.RegisterComponent(sensor.API, StageModel,
		resource.Registration[sensor.Sensor, *StageConfig]{
			Constructor: newKinesisStage,
		},
	)
}

type StageConfig struct {
	SerialPath string  `json:"serial_path,omitempty"` // default /dev/ttyUSB0
	StepsPerMM float64 `json:"steps_per_mm,omitempty"`
	UseMock    bool    `json:"use_mock,omitempty"` // simulated stage instead of hardware
}

func (cfg *StageConfig) Validate(path string) ([]string, []string, error) {
	if cfg.StepsPerMM < 0 {
		return nil, nil, fmt.Errorf("%s: steps_per_mm must not be negative", path)
	}
	return nil, nil, nil
}

// APT protocol subset for Kinesis DC servo controllers (KDC101 class).
// Messages are a 6-byte little-endian header, optionally followed by a
// data packet whose length sits in header bytes 2-3.
const (
	aptDestGeneric  = 0x50
	aptDestWithData = 0x50 | 0x80
	aptSourceHost   = 0x01
	aptChannel      = 1

	msgModIdentify        = 0x0223
	msgSetChanEnableState = 0x0210
	msgMoveHome           = 0x0443
	msgMoveHomed          = 0x0444
	msgMoveAbsolute       = 0x0453
	msgMoveCompleted      = 0x0464
	msgMoveStop           = 0x0465
	msgMoveStopped        = 0x0466
	msgReqUStatusUpdate   = 0x0490
	msgGetUStatusUpdate   = 0x0491

	statusBitHoming = 0x00000200
	statusBitHomed  = 0x00000400
	statusMovingAny = 0x000000F0

	defaultStageSerialPath = "/dev/ttyUSB0"
	defaultStepsPerMM      = 34304.0
	defaultHomeTimeout     = 120 * time.Second
	stageEnableSettle      = 300 * time.Millisecond
	stageRecvPoll          = 250 * time.Millisecond
)

type aptMessage struct {
	ID     uint16
	Param1 byte
	Param2 byte
	Data   []byte
}

func (m aptMessage) encode() []byte {
	buf := make([]byte, 6, 6+len(m.Data))
	binary.LittleEndian.PutUint16(buf[0:2], m.ID)
	if len(m.Data) > 0 {
		binary.LittleEndian.PutUint16(buf[2:4], uint16(len(m.Data)))
		buf[4] = aptDestWithData
	} else {
		buf[2] = m.Param1
		buf[3] = m.Param2
		buf[4] = aptDestGeneric
	}
	buf[5] = aptSourceHost
	return append(buf, m.Data...)
}

// stageStatus is the decoded payload of a GET_USTATUSUPDATE message.
type stageStatus struct {
	PositionSteps int32
	Homed         bool
	Homing        bool
	Moving        bool
}

func decodeStatus(data []byte) (stageStatus, error) {
	if len(data) < 14 {
		return stageStatus{}, fmt.Errorf("status payload too short: %d bytes", len(data))
	}
	pos := int32(binary.LittleEndian.Uint32(data[2:6]))
	bits := binary.LittleEndian.Uint32(data[10:14])
	return stageStatus{
		PositionSteps: pos,
		Homed:         bits&statusBitHomed != 0,
		Homing:        bits&statusBitHoming != 0,
		Moving:        bits&statusMovingAny != 0,
	}, nil
}

// stageLink abstracts the APT message transport for mock vs hardware.
type stageLink interface {
	Send(m aptMessage) error
	Recv(timeout time.Duration) (aptMessage, error)
	Close() error
}

var errLinkTimeout = fmt.Errorf("link read timeout")

// serialStageLink talks APT over a real serial port.
type serialStageLink struct {
	port serial.Port
}

func openSerialStageLink(path string) (*serialStageLink, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening stage port %s: %w", path, err)
	}
	return &serialStageLink{port: port}, nil
}

func (l *serialStageLink) Send(m aptMessage) error {
	_, err := l.port.Write(m.encode())
	return err
}

// read accumulates exactly n bytes. The port signals a timeout by
// returning a zero-byte read with no error.
func (l *serialStageLink) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	off := 0
	for off < n {
		k, err := l.port.Read(buf[off:])
		if err != nil {
			return nil, err
		}
		if k == 0 {
			return nil, errLinkTimeout
		}
		off += k
	}
	return buf, nil
}

func (l *serialStageLink) Recv(timeout time.Duration) (aptMessage, error) {
	if err := l.port.SetReadTimeout(timeout); err != nil {
		return aptMessage{}, err
	}
	header, err := l.read(6)
	if err != nil {
		return aptMessage{}, err
	}
	m := aptMessage{
		ID:     binary.LittleEndian.Uint16(header[0:2]),
		Param1: header[2],
		Param2: header[3],
	}
	if header[4]&0x80 != 0 {
		n := binary.LittleEndian.Uint16(header[2:4])
		m.Data, err = l.read(int(n))
		if err != nil {
			return aptMessage{}, fmt.Errorf("reading %d-byte payload: %w", n, err)
		}
	}
	return m, nil
}

func (l *serialStageLink) Close() error {
	return l.port.Close()
}

// mockStageLink simulates a homed-capable stage: moves land instantly
// and every command that has a completion notification queues one.
type mockStageLink struct {
	mu       sync.Mutex
	queue    []aptMessage
	position int32
	homed    bool
	enabled  bool
	homeErr  error
}

func newMockStageLink() *mockStageLink {
	return &mockStageLink{}
}

func (l *mockStageLink) Send(m aptMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m.ID {
	case msgSetChanEnableState:
		l.enabled = m.Param2 == 1
	case msgModIdentify:
	case msgMoveHome:
		if l.homeErr != nil {
			return l.homeErr
		}
		l.position = 0
		l.homed = true
		l.queue = append(l.queue, aptMessage{ID: msgMoveHomed, Param1: aptChannel})
	case msgMoveAbsolute:
		if len(m.Data) < 6 {
			return fmt.Errorf("short move payload")
		}
		l.position = int32(binary.LittleEndian.Uint32(m.Data[2:6]))
		l.queue = append(l.queue, aptMessage{ID: msgMoveCompleted, Data: l.statusPayload()})
	case msgMoveStop:
		l.queue = append(l.queue, aptMessage{ID: msgMoveStopped, Data: l.statusPayload()})
	case msgReqUStatusUpdate:
		l.queue = append(l.queue, aptMessage{ID: msgGetUStatusUpdate, Data: l.statusPayload()})
	default:
		return fmt.Errorf("mock stage: unsupported message 0x%04x", m.ID)
	}
	return nil
}

func (l *mockStageLink) statusPayload() []byte {
	data := make([]byte, 14)
	binary.LittleEndian.PutUint16(data[0:2], aptChannel)
	binary.LittleEndian.PutUint32(data[2:6], uint32(l.position))
	var bits uint32
	if l.homed {
		bits |= statusBitHomed
	}
	binary.LittleEndian.PutUint32(data[10:14], bits)
	return data
}

func (l *mockStageLink) Recv(timeout time.Duration) (aptMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return aptMessage{}, errLinkTimeout
	}
	m := l.queue[0]
	l.queue = l.queue[1:]
	return m, nil
}

func (l *mockStageLink) Close() error {
	return nil
}

type kinesisStage struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger

	stepsPerMM float64

	mu   sync.Mutex
	link stageLink
}

func newKinesisStage(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*StageConfig](rawConf)
	if err != nil {
		return nil, err
	}

	stepsPerMM := conf.StepsPerMM
	if stepsPerMM <= 0 {
		stepsPerMM = defaultStepsPerMM
	}

	var link stageLink
	if conf.UseMock {
		link = newMockStageLink()
		logger.Infof("kinesis-stage using mock link (use_mock=true)")
	} else {
		path := conf.SerialPath
		if path == "" {
			path = defaultStageSerialPath
		}
		link, err = openSerialStageLink(path)
		if err != nil {
			return nil, err
		}
		logger.Infof("kinesis-stage connected on %s", path)
	}

	return &kinesisStage{
		name:       rawConf.ResourceName(),
		logger:     logger,
		stepsPerMM: stepsPerMM,
		link:       link,
	}, nil
}

func (s *kinesisStage) Name() resource.Name {
	return s.name
}

// waitFor drains link messages until one of the wanted IDs arrives.
// Unrelated notifications are skipped.
func (s *kinesisStage) waitFor(ctx context.Context, want ...uint16) (aptMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return aptMessage{}, err
		}
		m, err := s.link.Recv(stageRecvPoll)
		if err == errLinkTimeout {
			continue
		}
		if err != nil {
			return aptMessage{}, err
		}
		for _, id := range want {
			if m.ID == id {
				return m, nil
			}
		}
	}
}

// Enable powers the drive channel and lets the controller settle.
func (s *kinesisStage) Enable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.link.Send(aptMessage{ID: msgSetChanEnableState, Param1: aptChannel, Param2: 1}); err != nil {
		return fmt.Errorf("enabling stage channel: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(stageEnableSettle):
	}
	return nil
}

func (s *kinesisStage) status(ctx context.Context) (stageStatus, error) {
	if err := s.link.Send(aptMessage{ID: msgReqUStatusUpdate, Param1: aptChannel}); err != nil {
		return stageStatus{}, fmt.Errorf("requesting stage status: %w", err)
	}
	m, err := s.waitFor(ctx, msgGetUStatusUpdate)
	if err != nil {
		return stageStatus{}, err
	}
	return decodeStatus(m.Data)
}

func (s *kinesisStage) Homed(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.status(ctx)
	if err != nil {
		return false, err
	}
	return st.Homed, nil
}

// Home runs the homing sequence and blocks until the controller
// reports completion. Callers bound the wait through ctx.
func (s *kinesisStage) Home(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.link.Send(aptMessage{ID: msgMoveHome, Param1: aptChannel}); err != nil {
		return fmt.Errorf("starting homing: %w", err)
	}
	if _, err := s.waitFor(ctx, msgMoveHomed); err != nil {
		return fmt.Errorf("waiting for homing: %w", err)
	}
	s.logger.Infof("stage homing complete")
	return nil
}

func (s *kinesisStage) PositionMillimeters(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.status(ctx)
	if err != nil {
		return 0, err
	}
	return float64(st.PositionSteps) / s.stepsPerMM, nil
}

// MoveToMillimeters issues an absolute move and blocks until the move
// completed notification arrives.
func (s *kinesisStage) MoveToMillimeters(ctx context.Context, mm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := int32(mm * s.stepsPerMM)
	data := make([]byte, 6)
	binary.LittleEndian.PutUint16(data[0:2], aptChannel)
	binary.LittleEndian.PutUint32(data[2:6], uint32(steps))
	if err := s.link.Send(aptMessage{ID: msgMoveAbsolute, Data: data}); err != nil {
		return fmt.Errorf("starting move to %.2f mm: %w", mm, err)
	}
	if _, err := s.waitFor(ctx, msgMoveCompleted); err != nil {
		return fmt.Errorf("waiting for move to %.2f mm: %w", mm, err)
	}
	return nil
}

func (s *kinesisStage) StopMotion(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.link.Send(aptMessage{ID: msgMoveStop, Param1: aptChannel, Param2: 2}); err != nil {
		return fmt.Errorf("stopping stage: %w", err)
	}
	_, err := s.waitFor(ctx, msgMoveStopped)
	return err
}

func (s *kinesisStage) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.status(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"position_steps": int(st.PositionSteps),
		"position_mm":    float64(st.PositionSteps) / s.stepsPerMM,
		"homed":          st.Homed,
		"homing":         st.Homing,
		"moving":         st.Moving,
	}, nil
}

func (s *kinesisStage) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "enable":
		if err := s.Enable(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "enabled"}, nil
	case "home":
		timeout := defaultHomeTimeout
		if secs, ok := cmd["timeout_s"].(float64); ok && secs > 0 {
			timeout = time.Duration(secs * float64(time.Second))
		}
		homeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := s.Home(homeCtx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "homed"}, nil
	case "move_to":
		mm, ok := cmd["position_mm"].(float64)
		if !ok {
			return nil, fmt.Errorf("move_to requires numeric 'position_mm'")
		}
		if err := s.MoveToMillimeters(ctx, mm); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "completed", "position_mm": mm}, nil
	case "stop":
		if err := s.StopMotion(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "stopped"}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *kinesisStage) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.Close()
}

package probestation

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var SMUModel = resource.NewModel("probelab", "four-point-probe", "xtralien-smu")

func init() {
	resource.RegisterComponent(sensor.API, SMUModel,
		resource.Registration[sensor.Sensor, *SMUConfig]{
			Constructor: newXtralienSMU,
		},
	)
}

type SMUConfig struct {
	SerialPath string `json:"serial_path,omitempty"` // default /dev/ttyACM0
	Channel    string `json:"channel,omitempty"`     // smu1 or smu2
	UseMock    bool   `json:"use_mock,omitempty"`    // simulated SMU instead of hardware

	// MockResistanceOhms sets the simulated sample resistance when
	// use_mock is true.
	MockResistanceOhms float64 `json:"mock_resistance_ohms,omitempty"`
}

func (cfg *SMUConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Channel != "" && cfg.Channel != "smu1" && cfg.Channel != "smu2" {
		return nil, nil, fmt.Errorf("%s: channel must be smu1 or smu2", path)
	}
	return nil, nil, nil
}

const (
	defaultSMUSerialPath = "/dev/ttyACM0"
	defaultSMUChannel    = "smu1"
	smuReadTimeout       = 2 * time.Second
)

// smuLink carries the Xtralien line protocol: commands are
// space-separated words, replies are bracketed numeric tuples or a
// single token. Set commands get no reply.
type smuLink interface {
	// Send issues a command that produces no reply.
	Send(cmd string) error
	// Transact issues a command and returns its one-line reply.
	Transact(cmd string) (string, error)
	Close() error
}

// serialSMULink talks to the instrument over USB CDC.
type serialSMULink struct {
	port   serial.Port
	reader *bufio.Reader
}

func openSerialSMULink(path string) (*serialSMULink, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("opening smu port %s: %w", path, err)
	}
	if err := port.SetReadTimeout(smuReadTimeout); err != nil {
		_ = port.Close()
		return nil, err
	}
	return &serialSMULink{port: port, reader: bufio.NewReader(port)}, nil
}

func (l *serialSMULink) Send(cmd string) error {
	_, err := l.port.Write([]byte(cmd + "\n"))
	return err
}

func (l *serialSMULink) Transact(cmd string) (string, error) {
	if err := l.Send(cmd); err != nil {
		return "", err
	}
	line, err := l.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading reply to %q: %w", cmd, err)
	}
	return strings.TrimSpace(line), nil
}

func (l *serialSMULink) Close() error {
	return l.port.Close()
}

// mockSMULink simulates an X200 board with an ohmic sample attached.
// oneshot replies follow V = set voltage, I = V / R.
type mockSMULink struct {
	mu         sync.Mutex
	resistance float64
	voltage    float64
	enabled    bool
	open       bool // simulate no probe contact: near-zero current
}

func newMockSMULink(resistanceOhms float64) *mockSMULink {
	if resistanceOhms <= 0 {
		resistanceOhms = 100.0
	}
	return &mockSMULink{resistance: resistanceOhms}
}

func (l *mockSMULink) SetOpenCircuit(open bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = open
}

func (l *mockSMULink) Send(cmd string) error {
	_, err := l.apply(cmd)
	return err
}

func (l *mockSMULink) Transact(cmd string) (string, error) {
	return l.apply(cmd)
}

func (l *mockSMULink) apply(cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := strings.Fields(cmd)
	if len(fields) < 2 {
		return "", fmt.Errorf("mock smu: malformed command %q", cmd)
	}
	scope, op := fields[0], fields[1]
	switch {
	case scope == "cloi" && op == "hello":
		return "Hello from mock X200", nil
	case scope == "temp" && op == "read":
		return "23.5", nil
	case op == "oneshot":
		if len(fields) < 3 {
			return "", fmt.Errorf("mock smu: malformed oneshot %q", cmd)
		}
		v, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return "", fmt.Errorf("mock smu: bad oneshot voltage: %w", err)
		}
		l.voltage = v
		i := v / l.resistance
		if l.open || !l.enabled {
			i = 0
		}
		return fmt.Sprintf("[%.6e,%.6e]", v, i), nil
	case op == "set":
		if len(fields) < 4 {
			return "", fmt.Errorf("mock smu: malformed set %q", cmd)
		}
		switch fields[2] {
		case "voltage":
			v, err := strconv.ParseFloat(fields[3], 64)
			if err != nil {
				return "", err
			}
			l.voltage = v
		case "enabled":
			l.enabled = fields[3] == "1" || fields[3] == "true"
		case "limiti", "limitv":
			// limits accepted, not simulated
		default:
			return "", fmt.Errorf("mock smu: unknown set target %q", fields[2])
		}
		return "", nil
	}
	return "", fmt.Errorf("mock smu: unsupported command %q", cmd)
}

func (l *mockSMULink) Close() error {
	return nil
}

// parseIVReply decodes a "[v,i]" oneshot reply.
func parseIVReply(reply string) (IVPoint, error) {
	trimmed := strings.TrimSpace(reply)
	trimmed = strings.TrimPrefix(trimmed, "[")
	trimmed = strings.TrimSuffix(trimmed, "]")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 2 {
		return IVPoint{}, fmt.Errorf("malformed oneshot reply %q", reply)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return IVPoint{}, fmt.Errorf("parsing voltage from %q: %w", reply, err)
	}
	i, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return IVPoint{}, fmt.Errorf("parsing current from %q: %w", reply, err)
	}
	return IVPoint{Voltage: v, Current: i}, nil
}

type xtralienSMU struct {
	resource.AlwaysRebuild

	name    resource.Name
	logger  logging.Logger
	channel string

	mu       sync.Mutex
	link     smuLink
	enabled  bool
	lastRead IVPoint
}

func newXtralienSMU(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SMUConfig](rawConf)
	if err != nil {
		return nil, err
	}

	channel := conf.Channel
	if channel == "" {
		channel = defaultSMUChannel
	}

	var link smuLink
	if conf.UseMock {
		link = newMockSMULink(conf.MockResistanceOhms)
		logger.Infof("xtralien-smu using mock link (use_mock=true)")
	} else {
		path := conf.SerialPath
		if path == "" {
			path = defaultSMUSerialPath
		}
		link, err = openSerialSMULink(path)
		if err != nil {
			return nil, err
		}
		logger.Infof("xtralien-smu connected on %s (channel %s)", path, channel)
	}

	return &xtralienSMU{
		name:    rawConf.ResourceName(),
		logger:  logger,
		channel: channel,
		link:    link,
	}, nil
}

func (s *xtralienSMU) Name() resource.Name {
	return s.name
}

// Hello checks basic communication with the board.
func (s *xtralienSMU) Hello(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.Transact("cloi hello")
}

// BoardTemperature reads the onboard temperature sensor in Celsius.
func (s *xtralienSMU) BoardTemperature(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply, err := s.link.Transact("temp read")
	if err != nil {
		return 0, err
	}
	t, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(reply), "[]"), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing temperature %q: %w", reply, err)
	}
	return t, nil
}

// Configure applies compliance limits and enables the output.
func (s *xtralienSMU) Configure(ctx context.Context, currentLimitA, voltageLimitV float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := []string{
		fmt.Sprintf("%s set limiti %g", s.channel, currentLimitA),
		fmt.Sprintf("%s set limitv %g", s.channel, voltageLimitV),
		fmt.Sprintf("%s set enabled 1", s.channel),
	}
	for _, cmd := range cmds {
		if err := s.link.Send(cmd); err != nil {
			return fmt.Errorf("configuring smu (%s): %w", cmd, err)
		}
	}
	s.enabled = true
	return nil
}

// OneShot sources the given voltage and returns the measured V/I pair.
func (s *xtralienSMU) OneShot(ctx context.Context, voltage float64) (IVPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply, err := s.link.Transact(fmt.Sprintf("%s oneshot %g", s.channel, voltage))
	if err != nil {
		return IVPoint{}, err
	}
	p, err := parseIVReply(reply)
	if err != nil {
		return IVPoint{}, err
	}
	s.lastRead = p
	return p, nil
}

func (s *xtralienSMU) SetVoltage(ctx context.Context, voltage float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.Send(fmt.Sprintf("%s set voltage %g", s.channel, voltage))
}

func (s *xtralienSMU) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := "0"
	if enabled {
		val = "1"
	}
	if err := s.link.Send(fmt.Sprintf("%s set enabled %s", s.channel, val)); err != nil {
		return err
	}
	s.enabled = enabled
	return nil
}

func (s *xtralienSMU) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	last := s.lastRead
	enabled := s.enabled
	s.mu.Unlock()

	readings := map[string]interface{}{
		"voltage": last.Voltage,
		"current": last.Current,
		"enabled": enabled,
	}
	if temp, err := s.BoardTemperature(ctx); err == nil {
		readings["board_temp_c"] = temp
	}
	return readings, nil
}

func (s *xtralienSMU) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "hello":
		reply, err := s.Hello(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"reply": reply}, nil
	case "read_temp":
		temp, err := s.BoardTemperature(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"board_temp_c": temp}, nil
	case "oneshot":
		voltage, ok := cmd["voltage"].(float64)
		if !ok {
			return nil, fmt.Errorf("oneshot requires numeric 'voltage'")
		}
		p, err := s.OneShot(ctx, voltage)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"voltage": p.Voltage, "current": p.Current}, nil
	case "set_voltage":
		voltage, ok := cmd["voltage"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_voltage requires numeric 'voltage'")
		}
		if err := s.SetVoltage(ctx, voltage); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "ok"}, nil
	case "set_enabled":
		enabled, ok := cmd["enabled"].(bool)
		if !ok {
			return nil, fmt.Errorf("set_enabled requires boolean 'enabled'")
		}
		if err := s.SetEnabled(ctx, enabled); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "ok"}, nil
	case "set_limits":
		currentA, ok := cmd["current_a"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_limits requires numeric 'current_a'")
		}
		voltageV, ok := cmd["voltage_v"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_limits requires numeric 'voltage_v'")
		}
		if err := s.Configure(ctx, currentA, voltageV); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "ok"}, nil
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func (s *xtralienSMU) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link.Close()
}

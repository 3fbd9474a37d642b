package duplotrain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
	"golang.org/x/time/rate"

	"duplotrain/lwp"
)

var Hub = resource.NewModel("viamdemo", "duplo-train", "hub")

func init() {
	resource.RegisterService(generic.API, Hub,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newTrainHub,
		},
	)
}

type Config struct {
	HubName        string `json:"hub_name,omitempty"`         // advertised name to match (default "Train Base")
	Address        string `json:"address,omitempty"`          // optional: pin to one BLE address
	ScanTimeoutSec int    `json:"scan_timeout_sec,omitempty"` // how long to keep scanning (default 60)
	UseMockHub     bool   `json:"use_mock_hub,omitempty"`     // drive the mock hub instead of BLE
	QueryPortInfo  bool   `json:"query_port_info,omitempty"`  // interrogate port/mode info on attach
	DisableSensors bool   `json:"disable_sensors,omitempty"`  // skip color/speedometer subscriptions
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.ScanTimeoutSec < 0 {
		return nil, nil, fmt.Errorf("%s: scan_timeout_sec must not be negative", path)
	}
	return nil, nil, nil
}

// hubStateProvider is what the sensor components require of the controller.
type hubStateProvider interface {
	GetState() map[string]interface{}
}

// portState tracks one attached peripheral and, when query_port_info is
// set, whatever the hub reported about its modes.
type portState struct {
	Device   lwp.DeviceID
	Hardware lwp.Version
	Software lwp.Version

	Info         *lwp.PortInformation
	Combinations []uint16
	Modes        map[byte]map[string]interface{}
}

// The hub floods when written to back-to-back; pace writes the way a
// patient finger on the app would.
const (
	writesPerSecond = 20
	writeBurst      = 4
	defaultScanTime = 60 * time.Second
	defaultHubName  = "Train Base"
	defaultRampStep = 100 * time.Millisecond
	defaultDemoTick = time.Second
)

type trainHub struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config

	link    hubLink
	limiter *rate.Limiter
	sendCh  chan []byte

	cancelCtx  context.Context
	cancelFunc func()
	activityWG sync.WaitGroup

	rampInterval time.Duration
	demoTick     time.Duration

	mu            sync.Mutex
	hubName       string
	fwVersion     string
	battery       int
	rssi          int
	buttonPressed bool
	ports         map[byte]*portState
	speed         int
	targetSpeed   int
	ramping       bool
	rampGen       int
	ledColor      lwp.Color
	speedoValue   int
	detectedColor int // palette index, -1 when nothing under the sensor
	lastFeedback  map[byte]lwp.FeedbackFlags
	activeDemo    *demoRun
	demoCycles    int
}

func newTrainHub(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	return NewHub(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewHub(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	hubName := conf.HubName
	if hubName == "" {
		hubName = defaultHubName
	}

	var link hubLink
	if conf.UseMockHub {
		link = newMockHubLink()
		logger.Infof("hub using mock link (use_mock_hub=true)")
	} else {
		link = newBLEHubLink(hubName, conf.Address, logger)
	}

	return newHubWithLink(conf, name, link, logger)
}

func newHubWithLink(conf *Config, name resource.Name, link hubLink, logger logging.Logger) (resource.Resource, error) {
	cancelCtx, cancelFunc := context.WithCancel(context.Background())

	s := &trainHub{
		name:          name,
		logger:        logger,
		cfg:           conf,
		link:          link,
		limiter:       rate.NewLimiter(writesPerSecond, writeBurst),
		sendCh:        make(chan []byte, 32),
		cancelCtx:     cancelCtx,
		cancelFunc:    cancelFunc,
		rampInterval:  defaultRampStep,
		demoTick:      defaultDemoTick,
		ports:         map[byte]*portState{},
		detectedColor: -1,
		lastFeedback:  map[byte]lwp.FeedbackFlags{},
	}

	link.SetNotifyHandler(s.handleNotification)

	s.activityWG.Add(2)
	go s.writeLoop()
	go s.connect()

	return s, nil
}

func (s *trainHub) Name() resource.Name {
	return s.name
}

// connect establishes the BLE session in the background: the train may not
// be powered and blinking yet when the module comes up.
func (s *trainHub) connect() {
	defer s.activityWG.Done()

	scanTimeout := defaultScanTime
	if s.cfg.ScanTimeoutSec > 0 {
		scanTimeout = time.Duration(s.cfg.ScanTimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(s.cancelCtx, scanTimeout)
	defer cancel()

	if err := s.link.Connect(ctx); err != nil {
		s.logger.Errorw("connecting to train base; is the train powered and its LED blinking?", "error", err)
		return
	}
	s.logger.Infow("connected to train base")

	// Prime hub state and subscribe to the properties we surface.
	var primeErr error
	for _, frame := range [][]byte{
		lwp.HubPropertyRequest(lwp.PropAdvertisingName),
		lwp.HubPropertyRequest(lwp.PropFWVersion),
		lwp.HubPropertyUpdates(lwp.PropBatteryVoltage, true),
		lwp.HubPropertyUpdates(lwp.PropRSSI, true),
		lwp.HubPropertyUpdates(lwp.PropButton, true),
	} {
		primeErr = multierr.Append(primeErr, s.send(frame))
	}
	if primeErr != nil {
		s.logger.Warnw("priming hub state", "error", primeErr)
	}
}

func (s *trainHub) writeLoop() {
	defer s.activityWG.Done()
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case frame := <-s.sendCh:
			if err := s.limiter.Wait(s.cancelCtx); err != nil {
				return
			}
			if err := s.link.Write(frame); err != nil {
				s.logger.Warnw("writing to hub", "error", err)
			}
		}
	}
}

func (s *trainHub) send(frame []byte) error {
	if !s.link.Connected() {
		return ErrNotConnected
	}
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.cancelCtx.Done():
		return s.cancelCtx.Err()
	}
}

func (s *trainHub) handleNotification(frame []byte) {
	msg, err := lwp.Decode(frame)
	if err != nil {
		s.logger.Debugw("undecodable notification", "frame", fmt.Sprintf("% x", frame), "error", err)
		return
	}

	switch m := msg.(type) {
	case lwp.HubProperty:
		s.handleHubProperty(m)
	case lwp.AttachedIO:
		s.handleAttachedIO(m)
	case lwp.PortValue:
		s.handlePortValue(m)
	case lwp.PortComboValue:
		s.logger.Debugw("port combo value", "port", m.Port, "value", fmt.Sprintf("% x", m.Value))
	case lwp.OutputFeedback:
		s.mu.Lock()
		s.lastFeedback[m.Port] = m.Flags
		s.mu.Unlock()
		s.logger.Debugw("command feedback", "port", m.Port, "flags", m.Flags.String())
	case lwp.PortInformation:
		s.mu.Lock()
		if p := s.ports[m.Port]; p != nil {
			info := m
			p.Info = &info
		}
		s.mu.Unlock()
	case lwp.PortCombinations:
		s.mu.Lock()
		if p := s.ports[m.Port]; p != nil {
			p.Combinations = m.Combinations
		}
		s.mu.Unlock()
	case lwp.PortModeInformation:
		s.recordModeInfo(m)
	}
}

func (s *trainHub) handleHubProperty(m lwp.HubProperty) {
	if m.Operation != lwp.PropOpUpdate || len(m.Payload) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m.Property {
	case lwp.PropBatteryVoltage:
		s.battery = int(m.Payload[0])
	case lwp.PropRSSI:
		s.rssi = int(int8(m.Payload[0]))
	case lwp.PropButton:
		s.buttonPressed = m.Payload[0] == 1
	case lwp.PropFWVersion:
		if len(m.Payload) >= 4 {
			s.fwVersion = lwp.Version(uint32(m.Payload[0]) | uint32(m.Payload[1])<<8 | uint32(m.Payload[2])<<16 | uint32(m.Payload[3])<<24).String()
		}
	case lwp.PropAdvertisingName:
		s.hubName = strings.TrimRight(string(m.Payload), "\x00")
	}
}

func (s *trainHub) handleAttachedIO(m lwp.AttachedIO) {
	if m.Event == lwp.IODetached {
		s.logger.Infow("peripheral detached", "port", m.Port)
		s.mu.Lock()
		delete(s.ports, m.Port)
		motorGone := m.Port == lwp.PortMotor
		if motorGone {
			s.rampGen++ // stop any in-flight ramp
			s.ramping = false
			s.speed, s.targetSpeed = 0, 0
		}
		s.mu.Unlock()
		return
	}

	s.logger.Infow("peripheral attached", "port", m.Port, "device", m.Device.String(),
		"hw", m.Hardware.String(), "sw", m.Software.String())
	s.mu.Lock()
	s.ports[m.Port] = &portState{
		Device:   m.Device,
		Hardware: m.Hardware,
		Software: m.Software,
		Modes:    map[byte]map[string]interface{}{},
	}
	s.mu.Unlock()

	switch m.Port {
	case lwp.PortSpeaker:
		// The speaker swallows sound writes until its mode is selected.
		if err := s.send(lwp.SpeakerActivate()); err != nil {
			s.logger.Warnw("activating speaker", "error", err)
		}
	case lwp.PortColorSensor, lwp.PortSpeedometer:
		if s.cfg.DisableSensors {
			break
		}
		if err := s.send(lwp.PortInputFormatSetup(m.Port, 0x00, 1, true)); err != nil {
			s.logger.Warnw("subscribing to sensor port", "port", m.Port, "error", err)
		}
	}

	if s.cfg.QueryPortInfo {
		for _, frame := range [][]byte{
			lwp.PortInformationRequest(m.Port, lwp.InfoModeInfo),
			lwp.PortInformationRequest(m.Port, lwp.InfoModeCombinations),
		} {
			if err := s.send(frame); err != nil {
				s.logger.Warnw("querying port info", "port", m.Port, "error", err)
			}
		}
	}
}

func (s *trainHub) handlePortValue(m lwp.PortValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch m.Port {
	case lwp.PortSpeedometer:
		s.speedoValue = int(m.Int16())
	case lwp.PortColorSensor:
		if v := m.Int8(); v < 0 {
			s.detectedColor = -1
		} else {
			s.detectedColor = int(v)
		}
	default:
		s.logger.Debugw("port value", "port", m.Port, "value", fmt.Sprintf("% x", m.Value))
	}
}

func (s *trainHub) recordModeInfo(m lwp.PortModeInformation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.ports[m.Port]
	if p == nil {
		return
	}
	mode, ok := p.Modes[m.Mode]
	if !ok {
		mode = map[string]interface{}{}
		p.Modes[m.Mode] = mode
	}
	switch m.InfoType {
	case lwp.InfoName:
		mode["name"] = m.Name
	case lwp.InfoSymbol:
		mode["symbol"] = m.Name
	case lwp.InfoRawRange:
		mode["raw_range"] = []interface{}{float64(m.Min), float64(m.Max)}
	case lwp.InfoPctRange:
		mode["pct_range"] = []interface{}{float64(m.Min), float64(m.Max)}
	case lwp.InfoSIRange:
		mode["si_range"] = []interface{}{float64(m.Min), float64(m.Max)}
	case lwp.InfoMapping:
		mode["input_mapping"] = int(m.InputMapping)
		mode["output_mapping"] = int(m.OutputMapping)
	case lwp.InfoFormat:
		mode["datasets"] = int(m.Datasets)
		mode["dataset_type"] = m.DatasetType.String()
	}
}

func (s *trainHub) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "set_speed":
		speed, ok := intArg(cmd, "speed")
		if !ok {
			return nil, fmt.Errorf("set_speed requires a numeric 'speed'")
		}
		return s.handleSetSpeed(speed)
	case "stop":
		return s.handleSetSpeed(0)
	case "ramp_speed":
		return s.handleRampSpeed(cmd)
	case "set_led":
		return s.handleSetLED(cmd)
	case "play_sound":
		return s.handlePlaySound(cmd)
	case "start_demo":
		return s.handleStartDemo()
	case "stop_demo":
		return s.handleStopDemo()
	case "status":
		return s.handleStatus()
	case "port_info":
		return s.handlePortInfo(cmd)
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

func clampSpeed(speed int) int {
	if speed > 100 {
		return 100
	}
	if speed < -100 {
		return -100
	}
	return speed
}

func (s *trainHub) handleSetSpeed(speed int) (map[string]interface{}, error) {
	speed = clampSpeed(speed)
	if err := s.setSpeed(speed); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok", "speed": speed}, nil
}

// setSpeed cancels any in-flight ramp and writes the motor power directly.
func (s *trainHub) setSpeed(speed int) error {
	s.mu.Lock()
	s.rampGen++
	s.ramping = false
	s.mu.Unlock()

	if err := s.send(lwp.MotorPower(int8(speed))); err != nil {
		return fmt.Errorf("setting motor power: %w", err)
	}

	s.mu.Lock()
	s.speed, s.targetSpeed = speed, speed
	s.mu.Unlock()
	return nil
}

func (s *trainHub) handleRampSpeed(cmd map[string]interface{}) (map[string]interface{}, error) {
	target, ok := intArg(cmd, "speed")
	if !ok {
		return nil, fmt.Errorf("ramp_speed requires a numeric 'speed'")
	}
	durationMS, ok := intArg(cmd, "duration_ms")
	if !ok || durationMS <= 0 {
		return nil, fmt.Errorf("ramp_speed requires a positive 'duration_ms'")
	}
	if !s.link.Connected() {
		return nil, ErrNotConnected
	}
	target = clampSpeed(target)
	s.startRamp(target, time.Duration(durationMS)*time.Millisecond)
	return map[string]interface{}{"status": "ramping", "target": target}, nil
}

// startRamp interpolates from the current speed to target in fixed steps.
// A later ramp or direct speed write cancels it via the generation counter.
func (s *trainHub) startRamp(target int, duration time.Duration) {
	s.mu.Lock()
	s.rampGen++
	gen := s.rampGen
	from := s.speed
	s.targetSpeed = target
	s.ramping = true
	interval := s.rampInterval
	s.mu.Unlock()

	steps := int(duration / interval)
	if steps < 1 {
		steps = 1
	}

	s.activityWG.Add(1)
	go func() {
		defer s.activityWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 1; i <= steps; i++ {
			select {
			case <-s.cancelCtx.Done():
				return
			case <-ticker.C:
			}

			s.mu.Lock()
			if s.rampGen != gen {
				s.mu.Unlock()
				return
			}
			speed := from + (target-from)*i/steps
			s.mu.Unlock()

			if err := s.send(lwp.MotorPower(int8(speed))); err != nil {
				s.logger.Warnw("ramp write failed", "error", err)
				return
			}

			s.mu.Lock()
			if s.rampGen == gen {
				s.speed = speed
				if i == steps {
					s.ramping = false
				}
			}
			s.mu.Unlock()
		}
	}()
}

func (s *trainHub) handleSetLED(cmd map[string]interface{}) (map[string]interface{}, error) {
	color, err := colorArg(cmd, "color")
	if err != nil {
		return nil, err
	}
	if err := s.setLED(color); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok", "color": color.String()}, nil
}

func (s *trainHub) setLED(color lwp.Color) error {
	if err := s.send(lwp.LEDColor(color)); err != nil {
		return fmt.Errorf("setting LED color: %w", err)
	}
	s.mu.Lock()
	s.ledColor = color
	s.mu.Unlock()
	return nil
}

func (s *trainHub) handlePlaySound(cmd map[string]interface{}) (map[string]interface{}, error) {
	sound, err := soundArg(cmd, "sound")
	if err != nil {
		return nil, err
	}
	if err := s.playSound(sound); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "ok", "sound": sound.String()}, nil
}

func (s *trainHub) playSound(sound lwp.Sound) error {
	if err := s.send(lwp.PlaySound(sound)); err != nil {
		return fmt.Errorf("playing sound: %w", err)
	}
	return nil
}

func (s *trainHub) handlePortInfo(cmd map[string]interface{}) (map[string]interface{}, error) {
	port, ok := intArg(cmd, "port")
	if !ok {
		return nil, fmt.Errorf("port_info requires a numeric 'port'")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.ports[byte(port)]
	if p == nil {
		return nil, fmt.Errorf("no peripheral attached on port %d", port)
	}

	result := map[string]interface{}{
		"device": p.Device.String(),
		"hw":     p.Hardware.String(),
		"sw":     p.Software.String(),
	}
	if p.Info != nil {
		result["input"] = p.Info.Input
		result["output"] = p.Info.Output
		result["combinable"] = p.Info.Combinable
		result["mode_count"] = int(p.Info.ModeCount)
	}
	if len(p.Modes) > 0 {
		modes := map[string]interface{}{}
		for mode, info := range p.Modes {
			modes[fmt.Sprintf("%d", mode)] = info
		}
		result["modes"] = modes
	}
	return result, nil
}

// GetState implements hubStateProvider for the sensor components.
func (s *trainHub) GetState() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports := map[string]interface{}{}
	for port, p := range s.ports {
		ports[fmt.Sprintf("%d", port)] = p.Device.String()
	}

	detected := ""
	if s.detectedColor >= 0 {
		detected = lwp.Color(s.detectedColor).String()
	}

	demoState := "idle"
	if s.activeDemo != nil {
		demoState = "running"
	}

	return map[string]interface{}{
		"connected":       s.link.Connected(),
		"hub_name":        s.hubName,
		"fw_version":      s.fwVersion,
		"battery_percent": s.battery,
		"rssi":            s.rssi,
		"button_pressed":  s.buttonPressed,
		"ports":           ports,
		"speed":           s.speed,
		"target_speed":    s.targetSpeed,
		"ramping":         s.ramping,
		"led_color":       s.ledColor.String(),
		"detected_color":  detected,
		"speedometer":     s.speedoValue,
		"demo_state":      demoState,
		"demo_cycle":      s.demoCycles,
	}
}

func (s *trainHub) Close(context.Context) error {
	s.mu.Lock()
	demo := s.activeDemo
	s.mu.Unlock()
	if demo != nil {
		demo.stop()
	}

	s.cancelFunc()
	s.activityWG.Wait()
	return s.link.Close()
}

func intArg(cmd map[string]interface{}, key string) (int, bool) {
	switch v := cmd[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func colorArg(cmd map[string]interface{}, key string) (lwp.Color, error) {
	switch v := cmd[key].(type) {
	case string:
		c, ok := lwp.ColorNamed(v)
		if !ok {
			return 0, fmt.Errorf("unknown color %q", v)
		}
		return c, nil
	case float64:
		if v < 0 || v > float64(lwp.White) {
			return 0, fmt.Errorf("color index %v out of range", v)
		}
		return lwp.Color(v), nil
	case int:
		if v < 0 || v > int(lwp.White) {
			return 0, fmt.Errorf("color index %d out of range", v)
		}
		return lwp.Color(v), nil
	}
	return 0, fmt.Errorf("missing or invalid %q field", key)
}

func soundArg(cmd map[string]interface{}, key string) (lwp.Sound, error) {
	switch v := cmd[key].(type) {
	case string:
		snd, ok := lwp.SoundNamed(v)
		if !ok {
			return 0, fmt.Errorf("unknown sound %q", v)
		}
		return snd, nil
	case float64:
		if v < 0 || v > 255 || !lwp.KnownSound(lwp.Sound(v)) {
			return 0, fmt.Errorf("unknown sound id %v", v)
		}
		return lwp.Sound(v), nil
	case int:
		if v < 0 || v > 255 || !lwp.KnownSound(lwp.Sound(v)) {
			return 0, fmt.Errorf("unknown sound id %d", v)
		}
		return lwp.Sound(v), nil
	}
	return 0, fmt.Errorf("missing or invalid %q field", key)
}

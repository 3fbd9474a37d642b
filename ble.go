package duplotrain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.viam.com/rdk/logging"
	"tinygo.org/x/bluetooth"

	"duplotrain/lwp"
)

// ErrNotConnected is returned for commands issued before the hub link is up.
var ErrNotConnected = errors.New("hub not connected")

// hubLink abstracts the BLE transport so the controller can run against
// real hardware or the mock hub.
type hubLink interface {
	// Connect scans for the hub and establishes the GATT session. The
	// train must be advertising (LED blinking) for this to succeed.
	Connect(ctx context.Context) error
	// Write sends one length-prefixed LWP frame to the hub.
	Write(frame []byte) error
	// SetNotifyHandler registers the callback for upstream frames. Must be
	// called before Connect.
	SetNotifyHandler(handler func(frame []byte))
	Connected() bool
	Close() error
}

var (
	hubServiceUUID = mustUUID(lwp.ServiceUUID)
	hubCharUUID    = mustUUID(lwp.CharacteristicUUID)
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// bleHubLink drives a real train base through the platform BLE adapter.
type bleHubLink struct {
	adapter *bluetooth.Adapter
	logger  logging.Logger

	hubName string
	address string

	mu        sync.Mutex
	connected bool
	device    bluetooth.Device
	char      bluetooth.DeviceCharacteristic
	handler   func([]byte)
}

func newBLEHubLink(hubName, address string, logger logging.Logger) *bleHubLink {
	return &bleHubLink{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		hubName: hubName,
		address: address,
	}
}

func (l *bleHubLink) SetNotifyHandler(handler func(frame []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

func (l *bleHubLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// matches reports whether a scan result looks like our train. Matching
// follows the original heuristics: prefer the advertised LEGO hub type,
// fall back to the user-settable name, and honor an address pin when
// configured.
func (l *bleHubLink) matches(res bluetooth.ScanResult) bool {
	if l.address != "" && !strings.EqualFold(res.Address.String(), l.address) {
		return false
	}
	for _, md := range res.ManufacturerData() {
		if md.CompanyID == lwp.LegoCompanyID && len(md.Data) >= 2 && md.Data[1] == lwp.HubTypeDuploTrainBase {
			return true
		}
	}
	if l.hubName != "" && res.LocalName() == l.hubName {
		return true
	}
	return l.address != "" && res.HasServiceUUID(hubServiceUUID)
}

func (l *bleHubLink) scan(ctx context.Context) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- l.adapter.Scan(func(a *bluetooth.Adapter, res bluetooth.ScanResult) {
			if !l.matches(res) {
				return
			}
			select {
			case found <- res:
			default:
			}
			a.StopScan()
		})
	}()

	select {
	case res := <-found:
		return res, nil
	case err := <-scanDone:
		if err != nil {
			return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
		}
		// Scan ended because the callback stopped it; the result may still
		// be in flight.
		select {
		case res := <-found:
			return res, nil
		default:
			return bluetooth.ScanResult{}, errors.New("scan stopped without a match")
		}
	case <-ctx.Done():
		if err := l.adapter.StopScan(); err != nil {
			l.logger.Debugw("stopping scan", "error", err)
		}
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

func (l *bleHubLink) Connect(ctx context.Context) error {
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling BLE adapter: %w", err)
	}

	attempt := func() error {
		res, err := l.scan(ctx)
		if err != nil {
			return err
		}
		l.logger.Infow("found train base", "name", res.LocalName(), "address", res.Address.String(), "rssi", res.RSSI)

		device, err := l.adapter.Connect(res.Address, bluetooth.ConnectionParams{})
		if err != nil {
			return fmt.Errorf("connect to %s: %w", res.Address.String(), err)
		}

		svcs, err := device.DiscoverServices([]bluetooth.UUID{hubServiceUUID})
		if err != nil {
			device.Disconnect()
			return fmt.Errorf("discovering hub service: %w", err)
		}
		if len(svcs) == 0 {
			device.Disconnect()
			return errors.New("hub service not found")
		}
		chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{hubCharUUID})
		if err != nil {
			device.Disconnect()
			return fmt.Errorf("discovering hub characteristic: %w", err)
		}
		if len(chars) == 0 {
			device.Disconnect()
			return errors.New("hub characteristic not found")
		}

		l.mu.Lock()
		l.device = device
		l.char = chars[0]
		handler := l.handler
		l.mu.Unlock()

		if handler != nil {
			if err := chars[0].EnableNotifications(func(buf []byte) {
				handler(append([]byte(nil), buf...))
			}); err != nil {
				device.Disconnect()
				return fmt.Errorf("enabling notifications: %w", err)
			}
		}

		l.mu.Lock()
		l.connected = true
		l.mu.Unlock()
		return nil
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.RetryNotify(attempt, policy, func(err error, next time.Duration) {
		l.logger.Debugw("train base not found, rescanning", "error", err, "retry_in", next)
	})
}

func (l *bleHubLink) Write(frame []byte) error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	char := l.char
	l.mu.Unlock()

	if _, err := char.WriteWithoutResponse(frame); err != nil {
		return fmt.Errorf("writing hub characteristic: %w", err)
	}
	return nil
}

func (l *bleHubLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil
	}
	l.connected = false
	return l.device.Disconnect()
}

// mockHubLink simulates a connected Duplo train base. Selected with the
// use_mock_hub config knob and used throughout the unit tests. It records
// every written frame, acknowledges port output commands with completed
// feedback, and reports the full set of onboard peripherals on connect.
type mockHubLink struct {
	mu        sync.Mutex
	connected bool
	frames    [][]byte
	handler   func([]byte)
}

func newMockHubLink() *mockHubLink {
	return &mockHubLink{}
}

func (m *mockHubLink) SetNotifyHandler(handler func(frame []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

func (m *mockHubLink) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockHubLink) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	// The real hub reports each onboard peripheral shortly after the
	// session opens.
	for port, dev := range map[byte]lwp.DeviceID{
		lwp.PortMotor:       lwp.DeviceDuploTrainMotor,
		lwp.PortSpeaker:     lwp.DeviceDuploTrainSpeaker,
		lwp.PortColorSensor: lwp.DeviceDuploTrainColorSensor,
		lwp.PortSpeedometer: lwp.DeviceDuploTrainSpeedometer,
		lwp.PortVoltage:     lwp.DeviceVoltageSensor,
	} {
		m.Inject(mockAttachFrame(port, dev))
	}
	return nil
}

func (m *mockHubLink) Write(frame []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	m.mu.Unlock()

	// Acknowledge port output commands the way the firmware does.
	if len(frame) >= 4 && frame[2] == 0x81 {
		m.Inject([]byte{5, 0x00, 0x82, frame[3], byte(lwp.FeedbackCompleted | lwp.FeedbackIdle)})
	}
	return nil
}

// Inject delivers an upstream frame to the notification handler, as if the
// hub had sent it.
func (m *mockHubLink) Inject(frame []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

// WrittenFrames returns a copy of every frame written so far.
func (m *mockHubLink) WrittenFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *mockHubLink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func mockAttachFrame(port byte, dev lwp.DeviceID) []byte {
	return []byte{
		15, 0x00, 0x04, port, 0x01,
		byte(dev), byte(dev >> 8),
		0x00, 0x00, 0x00, 0x10, // hw 1.0
		0x00, 0x00, 0x00, 0x10, // sw 1.0
	}
}

package duplotrain

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"golang.org/x/time/rate"

	"duplotrain/lwp"
)

func hubName(name string) resource.Name {
	return resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), name)
}

func newTestHub(t *testing.T, conf *Config) (*trainHub, *mockHubLink) {
	t.Helper()
	if conf == nil {
		conf = &Config{UseMockHub: true}
	}
	logger := logging.NewTestLogger(t)
	link := newMockHubLink()
	res, err := newHubWithLink(conf, hubName("train"), link, logger)
	if err != nil {
		t.Fatalf("newHubWithLink failed: %v", err)
	}
	hub := res.(*trainHub)
	t.Cleanup(func() { hub.Close(context.Background()) })

	hub.mu.Lock()
	hub.rampInterval = 5 * time.Millisecond
	hub.demoTick = 10 * time.Millisecond
	hub.mu.Unlock()
	hub.limiter.SetLimit(rate.Inf)

	waitFor(t, "hub connected with all ports attached", func() bool {
		if !link.Connected() {
			return false
		}
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.ports) == 5
	})
	return hub, link
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// motorWrites extracts the power values of all motor output frames.
func motorWrites(frames [][]byte) []int8 {
	var out []int8
	for _, f := range frames {
		if len(f) == 8 && f[2] == 0x81 && f[3] == lwp.PortMotor {
			out = append(out, int8(f[7]))
		}
	}
	return out
}

func ledWrites(frames [][]byte) []lwp.Color {
	var out []lwp.Color
	for _, f := range frames {
		if len(f) == 8 && f[2] == 0x81 && f[3] == lwp.PortLED {
			out = append(out, lwp.Color(f[7]))
		}
	}
	return out
}

func soundWrites(frames [][]byte) []lwp.Sound {
	var out []lwp.Sound
	for _, f := range frames {
		if len(f) == 8 && f[2] == 0x81 && f[3] == lwp.PortSpeaker {
			out = append(out, lwp.Sound(f[7]))
		}
	}
	return out
}

func TestConfigValidate(t *testing.T) {
	t.Run("empty config is valid", func(t *testing.T) {
		cfg := &Config{}
		if _, _, err := cfg.Validate("test"); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
	})

	t.Run("negative scan timeout rejected", func(t *testing.T) {
		cfg := &Config{ScanTimeoutSec: -1}
		if _, _, err := cfg.Validate("test"); err == nil {
			t.Error("expected error for negative scan_timeout_sec")
		}
	})
}

func TestNewHub(t *testing.T) {
	logger := logging.NewTestLogger(t)
	res, err := NewHub(context.Background(), resource.Dependencies{}, hubName("train"), &Config{UseMockHub: true}, logger)
	if err != nil {
		t.Fatalf("NewHub failed: %v", err)
	}
	if res.Name() != hubName("train") {
		t.Errorf("Name() = %v, want %v", res.Name(), hubName("train"))
	}
	if err := res.Close(context.Background()); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestDoCommandDispatch(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("expected error for missing command")
	}
	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{"command": "derail"}); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestSetSpeed(t *testing.T) {
	t.Run("writes motor power and updates state", func(t *testing.T) {
		hub, link := newTestHub(t, nil)

		result, err := hub.DoCommand(context.Background(), map[string]interface{}{
			"command": "set_speed", "speed": 50.0,
		})
		if err != nil {
			t.Fatalf("set_speed failed: %v", err)
		}
		if result["speed"] != 50 {
			t.Errorf("expected speed=50 in result, got %v", result["speed"])
		}

		waitFor(t, "motor write", func() bool {
			writes := motorWrites(link.WrittenFrames())
			return len(writes) == 1 && writes[0] == 50
		})

		state := hub.GetState()
		if state["speed"] != 50 {
			t.Errorf("state speed = %v, want 50", state["speed"])
		}
	})

	t.Run("clamps out-of-range speeds", func(t *testing.T) {
		hub, link := newTestHub(t, nil)

		if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
			"command": "set_speed", "speed": 150.0,
		}); err != nil {
			t.Fatalf("set_speed failed: %v", err)
		}
		waitFor(t, "clamped motor write", func() bool {
			writes := motorWrites(link.WrittenFrames())
			return len(writes) == 1 && writes[0] == 100
		})
	})

	t.Run("stop writes zero", func(t *testing.T) {
		hub, link := newTestHub(t, nil)

		if _, err := hub.DoCommand(context.Background(), map[string]interface{}{"command": "stop"}); err != nil {
			t.Fatalf("stop failed: %v", err)
		}
		waitFor(t, "stop write", func() bool {
			writes := motorWrites(link.WrittenFrames())
			return len(writes) == 1 && writes[0] == 0
		})
	})

	t.Run("requires numeric speed", func(t *testing.T) {
		hub, _ := newTestHub(t, nil)
		if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
			"command": "set_speed", "speed": "fast",
		}); err == nil {
			t.Error("expected error for non-numeric speed")
		}
	})
}

func TestCommandsAfterClose(t *testing.T) {
	hub, _ := newTestHub(t, nil)
	if err := hub.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "set_speed", "speed": 10.0,
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRampSpeed(t *testing.T) {
	t.Run("steps to target", func(t *testing.T) {
		hub, link := newTestHub(t, nil)

		result, err := hub.DoCommand(context.Background(), map[string]interface{}{
			"command": "ramp_speed", "speed": 40.0, "duration_ms": 40.0,
		})
		if err != nil {
			t.Fatalf("ramp_speed failed: %v", err)
		}
		if result["status"] != "ramping" {
			t.Errorf("expected status=ramping, got %v", result["status"])
		}

		waitFor(t, "ramp to finish at target", func() bool {
			writes := motorWrites(link.WrittenFrames())
			return len(writes) > 0 && writes[len(writes)-1] == 40
		})

		writes := motorWrites(link.WrittenFrames())
		for i := 1; i < len(writes); i++ {
			if writes[i] < writes[i-1] {
				t.Fatalf("ramp not monotonic: %v", writes)
			}
		}

		waitFor(t, "ramping flag cleared", func() bool {
			state := hub.GetState()
			return state["speed"] == 40 && state["ramping"] == false
		})
	})

	t.Run("new speed command cancels ramp", func(t *testing.T) {
		hub, link := newTestHub(t, nil)

		if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
			"command": "ramp_speed", "speed": 80.0, "duration_ms": 1000.0,
		}); err != nil {
			t.Fatalf("ramp_speed failed: %v", err)
		}
		time.Sleep(15 * time.Millisecond)
		if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
			"command": "set_speed", "speed": 0.0,
		}); err != nil {
			t.Fatalf("set_speed failed: %v", err)
		}

		state := hub.GetState()
		if state["speed"] != 0 {
			t.Errorf("state speed = %v, want 0", state["speed"])
		}
		if state["ramping"] != false {
			t.Error("expected ramping=false after cancel")
		}

		// The cancelled ramp must stop producing writes. Let anything
		// queued before the cancel drain through the write pacing first.
		time.Sleep(time.Second)
		before := len(motorWrites(link.WrittenFrames()))
		time.Sleep(100 * time.Millisecond)
		after := len(motorWrites(link.WrittenFrames()))
		if before != after {
			t.Errorf("ramp kept writing after cancel: %d -> %d", before, after)
		}
	})

	t.Run("requires positive duration", func(t *testing.T) {
		hub, _ := newTestHub(t, nil)
		if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
			"command": "ramp_speed", "speed": 40.0, "duration_ms": 0.0,
		}); err == nil {
			t.Error("expected error for zero duration")
		}
	})
}

func TestSetLED(t *testing.T) {
	hub, link := newTestHub(t, nil)

	result, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "set_led", "color": "red",
	})
	if err != nil {
		t.Fatalf("set_led failed: %v", err)
	}
	if result["color"] != "red" {
		t.Errorf("expected color=red, got %v", result["color"])
	}

	waitFor(t, "LED write", func() bool {
		writes := ledWrites(link.WrittenFrames())
		return len(writes) == 1 && writes[0] == lwp.Red
	})

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "set_led", "color": 7.0,
	}); err != nil {
		t.Fatalf("set_led by index failed: %v", err)
	}
	waitFor(t, "LED write by index", func() bool {
		writes := ledWrites(link.WrittenFrames())
		return len(writes) == 2 && writes[1] == lwp.Yellow
	})

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "set_led", "color": "chartreuse",
	}); err == nil {
		t.Error("expected error for unknown color")
	}
	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "set_led", "color": 42.0,
	}); err == nil {
		t.Error("expected error for out-of-range color index")
	}
}

func TestPlaySound(t *testing.T) {
	hub, link := newTestHub(t, nil)

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "play_sound", "sound": "horn",
	}); err != nil {
		t.Fatalf("play_sound failed: %v", err)
	}
	waitFor(t, "sound write", func() bool {
		writes := soundWrites(link.WrittenFrames())
		return len(writes) == 1 && writes[0] == lwp.SoundHorn
	})

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "play_sound", "sound": 3.0,
	}); err != nil {
		t.Fatalf("play_sound by id failed: %v", err)
	}
	waitFor(t, "sound write by id", func() bool {
		writes := soundWrites(link.WrittenFrames())
		return len(writes) == 2 && writes[1] == lwp.SoundBrake
	})

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "play_sound", "sound": "bell",
	}); err == nil {
		t.Error("expected error for unknown sound")
	}
	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "play_sound", "sound": 4.0,
	}); err == nil {
		t.Error("expected error for unknown sound id")
	}
}

func TestSpeakerActivatedOnAttach(t *testing.T) {
	_, link := newTestHub(t, nil)

	// The speaker's sound mode must be selected before any play command.
	waitFor(t, "speaker activation write", func() bool {
		for _, f := range link.WrittenFrames() {
			if len(f) == 10 && f[2] == 0x41 && f[3] == lwp.PortSpeaker {
				return true
			}
		}
		return false
	})
}

func TestSensorSubscriptionsOnAttach(t *testing.T) {
	t.Run("subscribes color and speedometer", func(t *testing.T) {
		_, link := newTestHub(t, nil)

		waitFor(t, "sensor subscriptions", func() bool {
			var color, speedo bool
			for _, f := range link.WrittenFrames() {
				if len(f) == 10 && f[2] == 0x41 {
					switch f[3] {
					case lwp.PortColorSensor:
						color = true
					case lwp.PortSpeedometer:
						speedo = true
					}
				}
			}
			return color && speedo
		})
	})

	t.Run("disable_sensors skips subscriptions", func(t *testing.T) {
		_, link := newTestHub(t, &Config{UseMockHub: true, DisableSensors: true})

		// Give the attach cascade time to drain, then check nothing
		// subscribed the sensor ports.
		time.Sleep(100 * time.Millisecond)
		for _, f := range link.WrittenFrames() {
			if len(f) == 10 && f[2] == 0x41 && (f[3] == lwp.PortColorSensor || f[3] == lwp.PortSpeedometer) {
				t.Fatalf("unexpected sensor subscription frame: % x", f)
			}
		}
	})
}

func TestHubStateFromNotifications(t *testing.T) {
	hub, link := newTestHub(t, nil)

	link.Inject([]byte{0x06, 0x00, 0x01, 0x06, 0x06, 0x64})       // battery 100%
	link.Inject([]byte{0x06, 0x00, 0x01, 0x05, 0x06, 0xC4})       // rssi -60
	link.Inject([]byte{0x06, 0x00, 0x45, 0x13, 0x2A, 0x00})       // speedometer 42
	link.Inject([]byte{0x05, 0x00, 0x45, 0x12, 0x05})             // color cyan
	link.Inject([]byte{0x0F, 0x00, 0x01, 0x01, 0x06, 'M', 'y', ' ', 't', 'r', 'a', 'i', 'n', 0x00, 0x00})

	state := hub.GetState()
	if state["connected"] != true {
		t.Error("expected connected=true")
	}
	if state["battery_percent"] != 100 {
		t.Errorf("battery = %v, want 100", state["battery_percent"])
	}
	if state["rssi"] != -60 {
		t.Errorf("rssi = %v, want -60", state["rssi"])
	}
	if state["speedometer"] != 42 {
		t.Errorf("speedometer = %v, want 42", state["speedometer"])
	}
	if state["detected_color"] != "cyan" {
		t.Errorf("detected_color = %v, want cyan", state["detected_color"])
	}
	if state["hub_name"] != "My train" {
		t.Errorf("hub_name = %v, want My train", state["hub_name"])
	}
	ports := state["ports"].(map[string]interface{})
	if len(ports) != 5 {
		t.Errorf("expected 5 attached ports, got %v", ports)
	}

	// Sensor reports nothing under it as a negative value.
	link.Inject([]byte{0x05, 0x00, 0x45, 0x12, 0xFF})
	state = hub.GetState()
	if state["detected_color"] != "" {
		t.Errorf("detected_color = %v, want empty", state["detected_color"])
	}
}

func TestMotorDetachStopsRamp(t *testing.T) {
	hub, link := newTestHub(t, nil)

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "ramp_speed", "speed": 80.0, "duration_ms": 1000.0,
	}); err != nil {
		t.Fatalf("ramp_speed failed: %v", err)
	}

	link.Inject([]byte{5, 0x00, 0x04, lwp.PortMotor, 0x00}) // motor detach

	waitFor(t, "ramp stopped by detach", func() bool {
		state := hub.GetState()
		return state["ramping"] == false && state["speed"] == 0
	})
}

func TestPortInfo(t *testing.T) {
	hub, link := newTestHub(t, &Config{UseMockHub: true, QueryPortInfo: true})

	waitFor(t, "port info requests", func() bool {
		var requests int
		for _, f := range link.WrittenFrames() {
			if len(f) == 5 && f[2] == 0x21 {
				requests++
			}
		}
		return requests >= 10 // two per attached port
	})

	link.Inject([]byte{0x0B, 0x00, 0x43, 0x13, 0x01, 0x03, 0x02, 0x03, 0x00, 0x00, 0x00})
	link.Inject([]byte{0x0B, 0x00, 0x44, 0x13, 0x00, 0x00, 'S', 'P', 'E', 'E', 'D'})

	result, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "port_info", "port": float64(lwp.PortSpeedometer),
	})
	if err != nil {
		t.Fatalf("port_info failed: %v", err)
	}
	if result["device"] != "Duplo Train Speedometer" {
		t.Errorf("device = %v", result["device"])
	}
	if result["mode_count"] != 2 {
		t.Errorf("mode_count = %v, want 2", result["mode_count"])
	}
	modes := result["modes"].(map[string]interface{})
	mode0 := modes["0"].(map[string]interface{})
	if mode0["name"] != "SPEED" {
		t.Errorf("mode 0 name = %v, want SPEED", mode0["name"])
	}

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "port_info", "port": 99.0,
	}); err == nil {
		t.Error("expected error for unattached port")
	}
}

func TestOutputFeedbackRecorded(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	if _, err := hub.DoCommand(context.Background(), map[string]interface{}{
		"command": "set_speed", "speed": 30.0,
	}); err != nil {
		t.Fatalf("set_speed failed: %v", err)
	}

	waitFor(t, "feedback recorded", func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.lastFeedback[lwp.PortMotor]&lwp.FeedbackCompleted != 0
	})
}

package duplotrain

import (
	"fmt"
	"sync"
	"time"

	"duplotrain/lwp"
)

// demoRun is one execution of the scripted showcase sequence.
type demoRun struct {
	startedAt time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}

	stopOnce sync.Once
}

// stop signals the demo goroutine and waits for it to park the train.
// Safe to call from any number of goroutines.
func (d *demoRun) stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (s *trainHub) handleStartDemo() (map[string]interface{}, error) {
	if !s.link.Connected() {
		return nil, ErrNotConnected
	}

	s.mu.Lock()
	if s.activeDemo != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("demo already running")
	}
	demo := &demoRun{
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.activeDemo = demo
	s.demoCycles = 0
	s.mu.Unlock()

	s.activityWG.Add(1)
	go s.runDemo(demo)

	return map[string]interface{}{"status": "started"}, nil
}

func (s *trainHub) handleStopDemo() (map[string]interface{}, error) {
	s.mu.Lock()
	demo := s.activeDemo
	s.mu.Unlock()
	if demo == nil {
		return nil, fmt.Errorf("no demo running")
	}

	demo.stop()

	s.mu.Lock()
	cycles := s.demoCycles
	s.mu.Unlock()
	return map[string]interface{}{"status": "stopped", "cycles_completed": cycles}, nil
}

func (s *trainHub) handleStatus() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := "idle"
	result := map[string]interface{}{
		"connected": s.link.Connected(),
		"speed":     s.speed,
		"ramping":   s.ramping,
		"led_color": s.ledColor.String(),
	}
	if s.activeDemo != nil {
		state = "running"
		result["demo_started_at"] = s.activeDemo.startedAt.Format(time.RFC3339)
	}
	result["state"] = state
	result["demo_cycle"] = s.demoCycles
	return result, nil
}

// runDemo drives the original showcase: a splash of sound, then two
// out-and-back runs with color changes, whistle and brake effects, and a
// direction flip between them.
func (s *trainHub) runDemo(demo *demoRun) {
	defer s.activityWG.Done()
	defer func() {
		// Leave the train stopped and dark whether we finished or were cut
		// short.
		if err := s.setSpeed(0); err != nil {
			s.logger.Warnw("stopping motor at demo end", "error", err)
		}
		if err := s.setLED(lwp.Black); err != nil {
			s.logger.Warnw("clearing LED at demo end", "error", err)
		}
		s.mu.Lock()
		s.activeDemo = nil
		s.mu.Unlock()
		close(demo.doneCh)
	}()

	s.mu.Lock()
	tick := s.demoTick
	s.mu.Unlock()

	wait := func(d time.Duration) bool {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-demo.stopCh:
			return false
		case <-s.cancelCtx.Done():
			return false
		case <-timer.C:
			return true
		}
	}

	do := func(err error) bool {
		if err != nil {
			s.logger.Warnw("demo step failed", "error", err)
			return false
		}
		return true
	}

	if !do(s.setLED(lwp.Black)) || !do(s.send(lwp.SpeakerActivate())) {
		return
	}
	if !do(s.playSound(lwp.SoundWater)) || !wait(2*tick) {
		return
	}

	direction := 1
	for cycle := 0; cycle < 2; cycle++ {
		if !do(s.setLED(lwp.Green)) {
			return
		}
		s.startRamp(direction*80, 5*tick)

		if !do(s.setLED(lwp.Blue)) || !do(s.playSound(lwp.SoundSteam)) {
			return
		}
		s.startRamp(direction*50, 2*tick)

		if !do(s.setLED(lwp.Yellow)) || !wait(4*tick) {
			return
		}
		if !do(s.setLED(lwp.Pink)) || !do(s.playSound(lwp.SoundHorn)) || !do(s.setLED(lwp.Yellow)) || !wait(4*tick) {
			return
		}

		if !do(s.setLED(lwp.Red)) || !do(s.playSound(lwp.SoundBrake)) {
			return
		}
		s.startRamp(0, tick)
		if !do(s.playSound(lwp.SoundStation)) || !do(s.setLED(lwp.White)) || !wait(8*tick) {
			return
		}

		direction *= -1
		s.mu.Lock()
		s.demoCycles = cycle + 1
		s.mu.Unlock()
	}
}

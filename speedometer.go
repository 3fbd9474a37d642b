package duplotrain

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var Speedometer = resource.NewModel("viamdemo", "duplo-train", "speedometer")

func init() {
	resource.RegisterComponent(sensor.API, Speedometer,
		resource.Registration[sensor.Sensor, *SpeedometerConfig]{
			Constructor: newSpeedometer,
		},
	)
}

type SpeedometerConfig struct {
	Hub string `json:"hub"`
}

func (cfg *SpeedometerConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Hub == "" {
		return nil, nil, fmt.Errorf("%s: hub is required", path)
	}
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Hub)
	return []string{dep.String()}, nil, nil
}

// speedometer reports the onboard speedometer's measured speed alongside
// the commanded motor speed, which is handy for spotting wheel slip or a
// derailed train.
type speedometer struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	hub    hubStateProvider
}

func newSpeedometer(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SpeedometerConfig](rawConf)
	if err != nil {
		return nil, err
	}

	hub, err := hubFromDependencies(deps, conf.Hub)
	if err != nil {
		return nil, err
	}

	return &speedometer{
		name:   rawConf.ResourceName(),
		logger: logger,
		hub:    hub,
	}, nil
}

func (s *speedometer) Name() resource.Name {
	return s.name
}

func (s *speedometer) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.hub.GetState()
	return map[string]interface{}{
		"speed":        state["speedometer"],
		"motor_speed":  state["speed"],
		"target_speed": state["target_speed"],
		"ramping":      state["ramping"],
	}, nil
}

func (s *speedometer) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on speedometer")
}

func (s *speedometer) Close(context.Context) error {
	return nil
}

package duplotrain

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var ColorSensor = resource.NewModel("viamdemo", "duplo-train", "color-sensor")

func init() {
	resource.RegisterComponent(sensor.API, ColorSensor,
		resource.Registration[sensor.Sensor, *ColorSensorConfig]{
			Constructor: newColorSensor,
		},
	)
}

type ColorSensorConfig struct {
	Hub string `json:"hub"`
}

func (cfg *ColorSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Hub == "" {
		return nil, nil, fmt.Errorf("%s: hub is required", path)
	}
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Hub)
	return []string{dep.String()}, nil, nil
}

// colorSensor reports the color tile currently under the train, which is
// how the physical set triggers actions (the colored track crossings).
type colorSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	hub    hubStateProvider
}

func newColorSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*ColorSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	hub, err := hubFromDependencies(deps, conf.Hub)
	if err != nil {
		return nil, err
	}

	return &colorSensor{
		name:   rawConf.ResourceName(),
		logger: logger,
		hub:    hub,
	}, nil
}

func (s *colorSensor) Name() resource.Name {
	return s.name
}

func (s *colorSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.hub.GetState()
	return map[string]interface{}{
		"color":     state["detected_color"],
		"led_color": state["led_color"],
	}, nil
}

func (s *colorSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on color-sensor")
}

func (s *colorSensor) Close(context.Context) error {
	return nil
}

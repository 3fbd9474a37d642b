package duplotrain

import (
	"context"
	"fmt"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var HubStatus = resource.NewModel("viamdemo", "duplo-train", "hub-status")

func init() {
	resource.RegisterComponent(sensor.API, HubStatus,
		resource.Registration[sensor.Sensor, *StatusSensorConfig]{
			Constructor: newStatusSensor,
		},
	)
}

type StatusSensorConfig struct {
	Hub string `json:"hub"`
}

func (cfg *StatusSensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Hub == "" {
		return nil, nil, fmt.Errorf("%s: hub is required", path)
	}
	// Return the full resource name so Viam knows this is a generic service dependency
	dep := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), cfg.Hub)
	return []string{dep.String()}, nil, nil
}

// statusSensor exposes the whole hub state: connection, battery, RSSI,
// firmware, attached ports, and demo progress.
type statusSensor struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	hub    hubStateProvider
}

func newStatusSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*StatusSensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	hub, err := hubFromDependencies(deps, conf.Hub)
	if err != nil {
		return nil, err
	}

	return &statusSensor{
		name:   rawConf.ResourceName(),
		logger: logger,
		hub:    hub,
	}, nil
}

// hubFromDependencies resolves the hub controller service and requires the
// state interface the sensors read from.
func hubFromDependencies(deps resource.Dependencies, name string) (hubStateProvider, error) {
	hubName := resource.NewName(resource.APINamespaceRDK.WithServiceType("generic"), name)
	res, ok := deps[hubName]
	if !ok {
		return nil, fmt.Errorf("hub %q not found in dependencies", name)
	}
	hub, ok := res.(hubStateProvider)
	if !ok {
		return nil, fmt.Errorf("hub %q does not implement GetState", name)
	}
	return hub, nil
}

func (s *statusSensor) Name() resource.Name {
	return s.name
}

func (s *statusSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	return s.hub.GetState(), nil
}

func (s *statusSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, fmt.Errorf("DoCommand not supported on hub-status")
}

func (s *statusSensor) Close(context.Context) error {
	return nil
}

package main

import (
	"duplotrain"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: duplotrain.Hub},
		resource.APIModel{API: sensor.API, Model: duplotrain.Speedometer},
		resource.APIModel{API: sensor.API, Model: duplotrain.ColorSensor},
		resource.APIModel{API: sensor.API, Model: duplotrain.HubStatus},
	)
}

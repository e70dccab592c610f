package main

import (
	"probestation"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: probestation.Controller},
		resource.APIModel{API: sensor.API, Model: probestation.StageModel},
		resource.APIModel{API: sensor.API, Model: probestation.SMUModel},
		resource.APIModel{API: sensor.API, Model: probestation.ContactSensorModel},
		resource.APIModel{API: sensor.API, Model: probestation.RunSensor},
	)
}

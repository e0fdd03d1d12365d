package main

import (
	"context"
	"github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/humidor/hub"
	"github.com/shimmeringbee/humidor/hub/memory"
	"math/rand"
	"time"
)

type simulatedHub struct {
	*memory.Manager
	accessories []*memory.Accessory
}

// newSimulatedHub builds a hub with two sensors, for running without hardware.
func newSimulatedHub() *simulatedHub {
	m := memory.NewManager()
	home := m.AddHome("Home")

	return &simulatedHub{
		Manager: m,
		accessories: []*memory.Accessory{
			home.AddSensorAccessory("sim-desk", "Desk Humidor", 19.5, 68),
			home.AddSensorAccessory("sim-cabinet", "Cabinet", 18, 65),
		},
	}
}

// drift walks each sensor's values a little every interval until ctx ends.
func (s *simulatedHub) drift(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, a := range s.accessories {
				nudge(a.Service(capabilities.TemperatureSensorFlag).Characteristic(hub.CurrentTemperature), r.Float64()*0.4-0.2)
				nudge(a.Service(capabilities.RelativeHumiditySensorFlag).Characteristic(hub.CurrentRelativeHumidity), r.Float64()*1.0-0.5)
			}
		}
	}
}

func nudge(c *memory.Characteristic, by float64) {
	if v, ok := c.Value().(float64); ok {
		c.Update(v + by)
	}
}

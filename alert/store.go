package alert

import (
	"github.com/shimmeringbee/persistence"
	"sort"
)

const (
	minTempKey     = "MinTemp"
	maxTempKey     = "MaxTemp"
	minHumidityKey = "MinHumidity"
	maxHumidityKey = "MaxHumidity"
)

// ThresholdStore keeps one ThresholdConfig per humidor, each in its own section.
type ThresholdStore struct {
	s persistence.Section
}

func NewThresholdStore(s persistence.Section) *ThresholdStore {
	return &ThresholdStore{s: s}
}

func (ts *ThresholdStore) Set(cfg ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s := ts.s.Section(cfg.HumidorID)
	s.Set(minTempKey, cfg.MinTemp)
	s.Set(maxTempKey, cfg.MaxTemp)
	s.Set(minHumidityKey, cfg.MinHumidity)
	s.Set(maxHumidityKey, cfg.MaxHumidity)

	return nil
}

func (ts *ThresholdStore) Get(humidorID string) (ThresholdConfig, bool) {
	if !ts.exists(humidorID) {
		return ThresholdConfig{}, false
	}

	s := ts.s.Section(humidorID)
	cfg := ThresholdConfig{HumidorID: humidorID}

	var found [4]bool
	cfg.MinTemp, found[0] = s.Float(minTempKey)
	cfg.MaxTemp, found[1] = s.Float(maxTempKey)
	cfg.MinHumidity, found[2] = s.Float(minHumidityKey)
	cfg.MaxHumidity, found[3] = s.Float(maxHumidityKey)

	for _, f := range found {
		if !f {
			return ThresholdConfig{}, false
		}
	}

	return cfg, true
}

func (ts *ThresholdStore) Delete(humidorID string) bool {
	if !ts.exists(humidorID) {
		return false
	}

	return ts.s.SectionDelete(humidorID)
}

// All returns every stored configuration, ordered by humidor id.
func (ts *ThresholdStore) All() []ThresholdConfig {
	keys := ts.s.SectionKeys()
	sort.Strings(keys)

	var configs []ThresholdConfig
	for _, k := range keys {
		if cfg, found := ts.Get(k); found {
			configs = append(configs, cfg)
		}
	}

	return configs
}

func (ts *ThresholdStore) exists(humidorID string) bool {
	for _, k := range ts.s.SectionKeys() {
		if k == humidorID {
			return true
		}
	}

	return false
}

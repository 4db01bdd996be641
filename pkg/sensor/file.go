package sensor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Chart groups logical series rendered together on one comparison chart.
type Chart struct {
	Name   string        `json:"name" yaml:"name"`
	Series []ChartSeries `json:"series" yaml:"series"`
}

// ChartSeries is one line on a chart. SensorIDs are tried in order and the
// first one with data wins.
type ChartSeries struct {
	Key       string   `json:"key" yaml:"key"`
	SensorIDs []string `json:"sensors" yaml:"sensors"`
	Critical  bool     `json:"critical,omitempty" yaml:"critical"`
}

type fileSensor struct {
	ID                    string   `yaml:"id"`
	Name                  string   `yaml:"name"`
	Type                  string   `yaml:"type"`
	Farm                  int      `yaml:"farm"`
	Location              string   `yaml:"location"`
	Zone                  string   `yaml:"zone"`
	APISensorID           string   `yaml:"api_sensor_id"`
	APIValueKey           string   `yaml:"api_value_key"`
	CalibrationOffset     float64  `yaml:"calibration_offset"`
	CalibrationMultiplier float64  `yaml:"calibration_multiplier"`
	Active                *bool    `yaml:"active"`
}

type file struct {
	Types   []Type       `yaml:"types"`
	Sensors []fileSensor `yaml:"sensors"`
	Charts  []Chart      `yaml:"charts"`
}

// Load reads a registry document from disk.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sensor registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from a YAML document with types, sensors and charts.
func Parse(data []byte) (*Registry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sensor registry: %w", err)
	}

	sensors := make([]Sensor, 0, len(f.Sensors))
	for _, fs := range f.Sensors {
		active := true
		if fs.Active != nil {
			active = *fs.Active
		}
		sensors = append(sensors, Sensor{
			ID:                    fs.ID,
			Name:                  fs.Name,
			Type:                  Type{Code: fs.Type},
			Farm:                  fs.Farm,
			Location:              fs.Location,
			Zone:                  fs.Zone,
			APISensorID:           fs.APISensorID,
			APIValueKey:           fs.APIValueKey,
			CalibrationOffset:     fs.CalibrationOffset,
			CalibrationMultiplier: fs.CalibrationMultiplier,
			Active:                active,
		})
	}

	r, err := NewRegistry(f.Types, sensors)
	if err != nil {
		return nil, err
	}
	if err := r.SetCharts(f.Charts); err != nil {
		return nil, err
	}
	return r, nil
}

// SetCharts replaces the chart catalog. Every referenced sensor must exist.
func (r *Registry) SetCharts(charts []Chart) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(charts))
	for _, c := range charts {
		if seen[c.Name] {
			return fmt.Errorf("duplicate chart %q", c.Name)
		}
		seen[c.Name] = true
		for _, s := range c.Series {
			if len(s.SensorIDs) == 0 {
				return fmt.Errorf("chart %q series %q has no sensors", c.Name, s.Key)
			}
			for _, id := range s.SensorIDs {
				if _, ok := r.sensors[id]; !ok {
					return fmt.Errorf("chart %q series %q: %w: %s", c.Name, s.Key, ErrSensorNotFound, id)
				}
			}
		}
	}

	r.charts = charts
	return nil
}

// Charts returns the chart catalog in file order.
func (r *Registry) Charts() []Chart {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Chart, len(r.charts))
	copy(out, r.charts)
	return out
}

// Chart returns one chart group by name.
func (r *Registry) Chart(name string) (Chart, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.charts {
		if c.Name == name {
			return c, true
		}
	}
	return Chart{}, false
}

package sensor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSensorNotFound is returned for an unknown sensor id
	ErrSensorNotFound = errors.New("sensor not found")

	// ErrUnknownType is returned when a sensor references an unregistered type
	ErrUnknownType = errors.New("unknown sensor type")

	// ErrDuplicateChannel is returned when two sensors share (api_sensor_id, api_value_key)
	ErrDuplicateChannel = errors.New("duplicate sensor channel")

	// ErrDuplicateSensor is returned when a sensor id is registered twice
	ErrDuplicateSensor = errors.New("duplicate sensor id")

	// ErrTypeInUse is returned when removing a type that sensors still reference
	ErrTypeInUse = errors.New("sensor type in use")
)

// Registry maps sensor ids and upstream channels to sensor metadata.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]Type
	sensors   map[string]*Sensor
	byChannel map[channel]string
	charts    []Chart
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Farm       int
	ActiveOnly bool
	TypeCode   string
	IDs        []string
}

// NewRegistry validates and indexes the given types and sensors.
func NewRegistry(types []Type, sensors []Sensor) (*Registry, error) {
	r := &Registry{
		types:     make(map[string]Type, len(types)),
		sensors:   make(map[string]*Sensor, len(sensors)),
		byChannel: make(map[channel]string, len(sensors)),
	}

	for _, t := range types {
		if t.Code == "" {
			return nil, fmt.Errorf("%w: empty code", ErrUnknownType)
		}
		r.types[t.Code] = t
	}

	for i := range sensors {
		if err := r.add(sensors[i]); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) add(s Sensor) error {
	if s.ID == "" {
		return fmt.Errorf("sensor id cannot be empty")
	}
	if _, exists := r.sensors[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSensor, s.ID)
	}

	t, ok := r.types[s.Type.Code]
	if !ok {
		return fmt.Errorf("%w: %q (sensor %s)", ErrUnknownType, s.Type.Code, s.ID)
	}
	s.Type = t

	if s.APISensorID == "" {
		s.APISensorID = s.ID
	}
	if s.CalibrationMultiplier == 0 {
		s.CalibrationMultiplier = 1
	}

	ch := s.channel()
	if other, exists := r.byChannel[ch]; exists {
		return fmt.Errorf("%w: %s/%s used by %s and %s", ErrDuplicateChannel, ch.apiSensorID, ch.valueKey, other, s.ID)
	}

	r.sensors[s.ID] = &s
	r.byChannel[ch] = s.ID
	return nil
}

// Get returns a copy of the sensor with the given id.
func (r *Registry) Get(id string) (Sensor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sensors[id]
	if !ok {
		return Sensor{}, fmt.Errorf("%w: %s", ErrSensorNotFound, id)
	}
	return *s, nil
}

// Lookup resolves an upstream channel to its sensor.
func (r *Registry) Lookup(apiSensorID, valueKey string) (Sensor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byChannel[channel{apiSensorID: apiSensorID, valueKey: valueKey}]
	if !ok {
		return Sensor{}, fmt.Errorf("%w: %s/%s", ErrSensorNotFound, apiSensorID, valueKey)
	}
	return *r.sensors[id], nil
}

// ByAPISensor returns every sensor fed by one upstream sensor id.
func (r *Registry) ByAPISensor(apiSensorID string) []Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Sensor
	for _, s := range r.sensors {
		if s.APISensorID == apiSensorID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns sensors matching the filter, sorted by id.
func (r *Registry) List(f Filter) []Sensor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var wanted map[string]bool
	if len(f.IDs) > 0 {
		wanted = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			wanted[id] = true
		}
	}

	out := make([]Sensor, 0, len(r.sensors))
	for _, s := range r.sensors {
		if f.Farm != 0 && s.Farm != f.Farm {
			continue
		}
		if f.ActiveOnly && !s.Active {
			continue
		}
		if f.TypeCode != "" && s.Type.Code != f.TypeCode {
			continue
		}
		if wanted != nil && !wanted[s.ID] {
			continue
		}
		out = append(out, *s)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Types returns all registered sensor types sorted by code.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Type returns the registered type with the given code.
func (r *Registry) Type(code string) (Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[code]
	if !ok {
		return Type{}, fmt.Errorf("%w: %q", ErrUnknownType, code)
	}
	return t, nil
}

// RemoveType deletes a type that no sensor references.
func (r *Registry) RemoveType(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[code]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, code)
	}
	for _, s := range r.sensors {
		if s.Type.Code == code {
			return fmt.Errorf("%w: %q referenced by %s", ErrTypeInUse, code, s.ID)
		}
	}

	delete(r.types, code)
	return nil
}

// SetCalibration replaces a sensor's linear calibration.
func (r *Registry) SetCalibration(id string, offset, multiplier float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sensors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSensorNotFound, id)
	}
	if multiplier == 0 {
		return fmt.Errorf("calibration multiplier cannot be zero")
	}

	s.CalibrationOffset = offset
	s.CalibrationMultiplier = multiplier
	return nil
}

// Deactivate marks a sensor inactive. Sensors are never removed from the
// registry so their history stays addressable.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sensors[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSensorNotFound, id)
	}
	s.Active = false
	return nil
}

// TouchLastSeen advances LastSeen to ts. Older timestamps are ignored.
func (r *Registry) TouchLastSeen(id string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sensors[id]; ok && ts.After(s.LastSeen) {
		s.LastSeen = ts
	}
}

// Len returns the number of registered sensors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors)
}

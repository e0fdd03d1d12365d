// Package memory provides an in-process hub, used by the simulated daemon mode and by tests. Every
// callback is delivered on a new goroutine, as a real hub would.
package memory

import (
	"errors"
	"fmt"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/google/uuid"
	"github.com/shimmeringbee/da"
	"github.com/shimmeringbee/da/capabilities"
	"github.com/shimmeringbee/humidor/hub"
	"sync"
)

var (
	ErrDuplicateName = errors.New("memory hub: name already in use")
	ErrNotFound      = errors.New("memory hub: object not in home")
	ErrReadOnly      = errors.New("memory hub: characteristic is read only")
)

// Operation names a mutating hub call that failures can be injected into.
type Operation string

const (
	AddActionSet    Operation = "AddActionSet"
	RemoveActionSet Operation = "RemoveActionSet"
	AddAction       Operation = "AddAction"
	AddTrigger      Operation = "AddTrigger"
	RemoveTrigger   Operation = "RemoveTrigger"
	EnableTrigger   Operation = "EnableTrigger"
)

var _ hub.Manager = (*Manager)(nil)

func NewManager() *Manager {
	return &Manager{m: &sync.RWMutex{}, status: hub.AuthorizationGranted}
}

type Manager struct {
	m      *sync.RWMutex
	status hub.AuthorizationStatus
	homes  []*Home
}

func (m *Manager) SetAuthorizationStatus(s hub.AuthorizationStatus) {
	m.m.Lock()
	defer m.m.Unlock()

	m.status = s
}

func (m *Manager) AuthorizationStatus() hub.AuthorizationStatus {
	m.m.RLock()
	defer m.m.RUnlock()

	return m.status
}

func (m *Manager) Homes() []hub.Home {
	m.m.RLock()
	defer m.m.RUnlock()

	homes := make([]hub.Home, 0, len(m.homes))
	for _, h := range m.homes {
		homes = append(homes, h)
	}

	return homes
}

func (m *Manager) AddHome(name string) *Home {
	m.m.Lock()
	defer m.m.Unlock()

	h := &Home{
		id:       uuid.NewString(),
		name:     name,
		m:        &sync.RWMutex{},
		failures: map[Operation]injectedFailure{},
		calls:    map[Operation]int{},
	}

	m.homes = append(m.homes, h)
	return h
}

type injectedFailure struct {
	after int
	err   error
}

var _ hub.Home = (*Home)(nil)

type Home struct {
	id   string
	name string

	m           *sync.RWMutex
	accessories []*Accessory
	triggers    []*Trigger
	actionSets  []*ActionSet
	failures    map[Operation]injectedFailure
	calls       map[Operation]int
	fired       []string
}

func (h *Home) Identifier() string {
	return h.id
}

func (h *Home) Name() string {
	return h.name
}

// FailAfter makes op fail with err once it has succeeded `after` times. It keeps failing until
// ClearFailures is called.
func (h *Home) FailAfter(op Operation, after int, err error) {
	h.m.Lock()
	defer h.m.Unlock()

	h.failures[op] = injectedFailure{after: after, err: err}
	h.calls[op] = 0
}

func (h *Home) ClearFailures() {
	h.m.Lock()
	defer h.m.Unlock()

	h.failures = map[Operation]injectedFailure{}
}

// attempt records a call to op and returns the injected failure, if any. Must be called with the
// lock held.
func (h *Home) attempt(op Operation) error {
	f, found := h.failures[op]
	if !found {
		return nil
	}

	if h.calls[op] >= f.after {
		return f.err
	}

	h.calls[op]++
	return nil
}

func (h *Home) Accessories() []hub.Accessory {
	h.m.RLock()
	defer h.m.RUnlock()

	accessories := make([]hub.Accessory, 0, len(h.accessories))
	for _, a := range h.accessories {
		accessories = append(accessories, a)
	}

	return accessories
}

func (h *Home) Triggers() []hub.Trigger {
	h.m.RLock()
	defer h.m.RUnlock()

	triggers := make([]hub.Trigger, 0, len(h.triggers))
	for _, t := range h.triggers {
		triggers = append(triggers, t)
	}

	return triggers
}

func (h *Home) ActionSets() []hub.ActionSet {
	h.m.RLock()
	defer h.m.RUnlock()

	actionSets := make([]hub.ActionSet, 0, len(h.actionSets))
	for _, as := range h.actionSets {
		actionSets = append(actionSets, as)
	}

	return actionSets
}

// Fired lists the names of triggers that have fired, in order.
func (h *Home) Fired() []string {
	h.m.RLock()
	defer h.m.RUnlock()

	return append([]string(nil), h.fired...)
}

func (h *Home) AddAccessory(id string, name string) *Accessory {
	h.m.Lock()
	defer h.m.Unlock()

	a := &Accessory{id: id, name: name, home: h, reachable: true}
	h.accessories = append(h.accessories, a)

	return a
}

// AddSensorAccessory adds an accessory exposing a temperature and a humidity service, each with a
// writable fault status characteristic.
func (h *Home) AddSensorAccessory(id string, name string, celsius float64, humidity float64) *Accessory {
	a := h.AddAccessory(id, name)

	t := a.AddService(id+".temperature", name+" Temperature", capabilities.TemperatureSensorFlag)
	t.AddCharacteristic(id+".temperature.current", hub.CurrentTemperature, celsius)
	t.AddCharacteristic(id+".temperature.fault", hub.StatusFault, 0)

	rh := a.AddService(id+".humidity", name+" Humidity", capabilities.RelativeHumiditySensorFlag)
	rh.AddCharacteristic(id+".humidity.current", hub.CurrentRelativeHumidity, humidity)
	rh.AddCharacteristic(id+".humidity.fault", hub.StatusFault, 0)

	return a
}

func (h *Home) AddActionSet(name string, cb func(hub.ActionSet, error)) {
	h.m.Lock()
	defer h.m.Unlock()

	if err := h.attempt(AddActionSet); err != nil {
		go cb(nil, err)
		return
	}

	for _, existing := range h.actionSets {
		if existing.name == name {
			go cb(nil, fmt.Errorf("%w: action set %q", ErrDuplicateName, name))
			return
		}
	}

	as := &ActionSet{id: uuid.NewString(), name: name, home: h}
	h.actionSets = append(h.actionSets, as)

	go cb(as, nil)
}

func (h *Home) RemoveActionSet(as hub.ActionSet, cb func(error)) {
	h.m.Lock()
	defer h.m.Unlock()

	if err := h.attempt(RemoveActionSet); err != nil {
		go cb(err)
		return
	}

	for i, existing := range h.actionSets {
		if existing.id == as.Identifier() {
			h.actionSets = append(h.actionSets[:i], h.actionSets[i+1:]...)
			go cb(nil)
			return
		}
	}

	go cb(fmt.Errorf("%w: action set %s", ErrNotFound, as.Identifier()))
}

type triggerEnv struct {
	Value float64
}

func (h *Home) AddTrigger(spec hub.TriggerSpec, cb func(hub.Trigger, error)) {
	h.m.Lock()
	defer h.m.Unlock()

	if err := h.attempt(AddTrigger); err != nil {
		go cb(nil, err)
		return
	}

	for _, existing := range h.triggers {
		if existing.name == spec.Name {
			go cb(nil, fmt.Errorf("%w: trigger %q", ErrDuplicateName, spec.Name))
			return
		}
	}

	c, ok := spec.Characteristic.(*Characteristic)
	if !ok || c.service.accessory.home != h {
		go cb(nil, fmt.Errorf("%w: trigger characteristic", ErrNotFound))
		return
	}

	predicate := spec.Predicate
	if predicate == "" {
		predicate = spec.Comparison.Predicate(spec.Threshold)
	}

	program, err := expr.Compile(predicate, expr.Env(triggerEnv{}), expr.AsBool())
	if err != nil {
		go cb(nil, fmt.Errorf("compiling trigger predicate: %w", err))
		return
	}

	var actionSets []*ActionSet
	for _, as := range spec.ActionSets {
		mas, ok := as.(*ActionSet)
		if !ok || mas.home != h {
			go cb(nil, fmt.Errorf("%w: action set %s", ErrNotFound, as.Identifier()))
			return
		}
		actionSets = append(actionSets, mas)
	}

	metadata := make(map[string]string, len(spec.Metadata))
	for k, v := range spec.Metadata {
		metadata[k] = v
	}

	t := &Trigger{
		id:             uuid.NewString(),
		name:           spec.Name,
		metadata:       metadata,
		home:           h,
		characteristic: c,
		predicate:      predicate,
		program:        program,
		actionSets:     actionSets,
		m:              &sync.Mutex{},
	}

	h.triggers = append(h.triggers, t)

	go cb(t, nil)
}

func (h *Home) RemoveTrigger(t hub.Trigger, cb func(error)) {
	h.m.Lock()
	defer h.m.Unlock()

	if err := h.attempt(RemoveTrigger); err != nil {
		go cb(err)
		return
	}

	for i, existing := range h.triggers {
		if existing.id == t.Identifier() {
			h.triggers = append(h.triggers[:i], h.triggers[i+1:]...)
			go cb(nil)
			return
		}
	}

	go cb(fmt.Errorf("%w: trigger %s", ErrNotFound, t.Identifier()))
}

// evaluate runs every enabled trigger watching c against its new value. A trigger fires when its
// predicate goes from false to true, running each of its action sets.
func (h *Home) evaluate(c *Characteristic, value float64) {
	h.m.RLock()
	var watching []*Trigger
	for _, t := range h.triggers {
		if t.characteristic == c {
			watching = append(watching, t)
		}
	}
	h.m.RUnlock()

	for _, t := range watching {
		if !t.observe(value) {
			continue
		}

		h.m.Lock()
		h.fired = append(h.fired, t.name)
		h.m.Unlock()

		for _, as := range t.actionSets {
			as.execute()
		}
	}
}

var _ hub.Accessory = (*Accessory)(nil)

type Accessory struct {
	id        string
	name      string
	home      *Home
	reachable bool
	services  []*Service
}

func (a *Accessory) Identifier() string {
	return a.id
}

func (a *Accessory) Name() string {
	return a.name
}

func (a *Accessory) Reachable() bool {
	a.home.m.RLock()
	defer a.home.m.RUnlock()

	return a.reachable
}

func (a *Accessory) SetReachable(r bool) {
	a.home.m.Lock()
	defer a.home.m.Unlock()

	a.reachable = r
}

func (a *Accessory) Services() []hub.Service {
	a.home.m.RLock()
	defer a.home.m.RUnlock()

	services := make([]hub.Service, 0, len(a.services))
	for _, s := range a.services {
		services = append(services, s)
	}

	return services
}

// Service returns the first service with the given capability, or nil.
func (a *Accessory) Service(c da.Capability) *Service {
	a.home.m.RLock()
	defer a.home.m.RUnlock()

	for _, s := range a.services {
		if s.capability == c {
			return s
		}
	}

	return nil
}

func (a *Accessory) AddService(id string, name string, c da.Capability) *Service {
	a.home.m.Lock()
	defer a.home.m.Unlock()

	s := &Service{id: id, name: name, capability: c, accessory: a}
	a.services = append(a.services, s)

	return s
}

var _ hub.Service = (*Service)(nil)

type Service struct {
	id              string
	name            string
	capability      da.Capability
	accessory       *Accessory
	characteristics []*Characteristic
}

func (s *Service) Identifier() string {
	return s.id
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) Capability() da.Capability {
	return s.capability
}

func (s *Service) Characteristics() []hub.Characteristic {
	s.accessory.home.m.RLock()
	defer s.accessory.home.m.RUnlock()

	characteristics := make([]hub.Characteristic, 0, len(s.characteristics))
	for _, c := range s.characteristics {
		characteristics = append(characteristics, c)
	}

	return characteristics
}

// Characteristic returns the first characteristic of the given type, or nil.
func (s *Service) Characteristic(ct hub.CharacteristicType) *Characteristic {
	s.accessory.home.m.RLock()
	defer s.accessory.home.m.RUnlock()

	for _, c := range s.characteristics {
		if c.ct == ct {
			return c
		}
	}

	return nil
}

func (s *Service) AddCharacteristic(id string, ct hub.CharacteristicType, value any) *Characteristic {
	s.accessory.home.m.Lock()
	defer s.accessory.home.m.Unlock()

	c := &Characteristic{id: id, ct: ct, value: value, service: s, m: &sync.Mutex{}}
	s.characteristics = append(s.characteristics, c)

	return c
}

var _ hub.Characteristic = (*Characteristic)(nil)

type Characteristic struct {
	id      string
	ct      hub.CharacteristicType
	service *Service

	m       *sync.Mutex
	value   any
	readErr error
	stalled bool
	writes  []any
}

func (c *Characteristic) Identifier() string {
	return c.id
}

func (c *Characteristic) Type() hub.CharacteristicType {
	return c.ct
}

// Value returns the current value without going through a callback.
func (c *Characteristic) Value() any {
	c.m.Lock()
	defer c.m.Unlock()

	return c.value
}

// Writes lists every value written to the characteristic, in order.
func (c *Characteristic) Writes() []any {
	c.m.Lock()
	defer c.m.Unlock()

	return append([]any(nil), c.writes...)
}

// FailReads makes reads complete with err, nil restores normal reads.
func (c *Characteristic) FailReads(err error) {
	c.m.Lock()
	defer c.m.Unlock()

	c.readErr = err
}

// Stall makes reads never invoke their callback.
func (c *Characteristic) Stall(stalled bool) {
	c.m.Lock()
	defer c.m.Unlock()

	c.stalled = stalled
}

func (c *Characteristic) ReadValue(cb func(any, error)) {
	c.m.Lock()
	defer c.m.Unlock()

	if c.stalled {
		return
	}

	if c.readErr != nil {
		go cb(nil, c.readErr)
		return
	}

	go cb(c.value, nil)
}

func (c *Characteristic) WriteValue(v any, cb func(error)) {
	if c.ct != hub.StatusFault {
		go cb(fmt.Errorf("%w: %s", ErrReadOnly, c.ct))
		return
	}

	c.set(v)
	go cb(nil)
}

// Update changes the value as if the accessory reported it, evaluating any triggers watching it.
func (c *Characteristic) Update(value float64) {
	c.set(value)
}

func (c *Characteristic) set(v any) {
	c.m.Lock()
	c.value = v
	c.writes = append(c.writes, v)
	c.m.Unlock()

	if f, ok := toFloat(v); ok {
		c.service.accessory.home.evaluate(c, f)
	}
}

func (c *Characteristic) current() (float64, bool) {
	c.m.Lock()
	defer c.m.Unlock()

	return toFloat(c.value)
}

var _ hub.ActionSet = (*ActionSet)(nil)

type ActionSet struct {
	id   string
	name string
	home *Home

	actions []hub.Action
}

func (as *ActionSet) Identifier() string {
	return as.id
}

func (as *ActionSet) Name() string {
	return as.name
}

func (as *ActionSet) Actions() []hub.Action {
	as.home.m.RLock()
	defer as.home.m.RUnlock()

	return append([]hub.Action(nil), as.actions...)
}

func (as *ActionSet) AddAction(a hub.Action, cb func(error)) {
	as.home.m.Lock()
	defer as.home.m.Unlock()

	if err := as.home.attempt(AddAction); err != nil {
		go cb(err)
		return
	}

	if a.Characteristic == nil || a.Characteristic.Type() != hub.StatusFault {
		go cb(fmt.Errorf("%w: action target", ErrReadOnly))
		return
	}

	as.actions = append(as.actions, a)
	go cb(nil)
}

func (as *ActionSet) execute() {
	for _, a := range as.Actions() {
		if c, ok := a.Characteristic.(*Characteristic); ok {
			c.set(a.TargetValue)
		}
	}
}

var _ hub.Trigger = (*Trigger)(nil)

type Trigger struct {
	id             string
	name           string
	metadata       map[string]string
	home           *Home
	characteristic *Characteristic
	predicate      string
	program        *vm.Program
	actionSets     []*ActionSet

	m         *sync.Mutex
	enabled   bool
	matching  bool
	fireCount int
}

func (t *Trigger) Identifier() string {
	return t.id
}

func (t *Trigger) Name() string {
	return t.name
}

func (t *Trigger) Metadata() map[string]string {
	metadata := make(map[string]string, len(t.metadata))
	for k, v := range t.metadata {
		metadata[k] = v
	}

	return metadata
}

func (t *Trigger) Predicate() string {
	return t.predicate
}

func (t *Trigger) ActionSets() []hub.ActionSet {
	actionSets := make([]hub.ActionSet, 0, len(t.actionSets))
	for _, as := range t.actionSets {
		actionSets = append(actionSets, as)
	}

	return actionSets
}

func (t *Trigger) Enabled() bool {
	t.m.Lock()
	defer t.m.Unlock()

	return t.enabled
}

func (t *Trigger) FireCount() int {
	t.m.Lock()
	defer t.m.Unlock()

	return t.fireCount
}

// Enable arms or disarms the trigger. Arming samples the current value, so a trigger whose
// condition already holds only fires after the value leaves and re-enters the range.
func (t *Trigger) Enable(enabled bool, cb func(error)) {
	t.home.m.Lock()
	err := t.home.attempt(EnableTrigger)
	t.home.m.Unlock()

	if err != nil {
		go cb(err)
		return
	}

	matching := false
	if enabled {
		if v, ok := t.characteristic.current(); ok {
			matching = t.matches(v)
		}
	}

	t.m.Lock()
	t.enabled = enabled
	t.matching = matching
	t.m.Unlock()

	go cb(nil)
}

func (t *Trigger) matches(v float64) bool {
	out, err := expr.Run(t.program, triggerEnv{Value: v})
	if err != nil {
		return false
	}

	b, ok := out.(bool)
	return ok && b
}

// observe records a new value and reports whether the trigger fires on it.
func (t *Trigger) observe(v float64) bool {
	now := t.matches(v)

	t.m.Lock()
	defer t.m.Unlock()

	if !t.enabled {
		return false
	}

	fire := now && !t.matching
	t.matching = now

	if fire {
		t.fireCount++
	}

	return fire
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	default:
		return 0, false
	}
}

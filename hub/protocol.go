package hub

import (
	"fmt"
	"github.com/shimmeringbee/da"
)

// CharacteristicType names the typed properties the core reads or writes on a hub service.
type CharacteristicType int

const (
	// CurrentTemperature is reported in Celsius.
	CurrentTemperature CharacteristicType = iota
	// CurrentRelativeHumidity is reported as a percentage.
	CurrentRelativeHumidity
	// StatusFault is writable and is the target of automation sentinel writes.
	StatusFault
)

func (c CharacteristicType) String() string {
	switch c {
	case CurrentTemperature:
		return "CurrentTemperature"
	case CurrentRelativeHumidity:
		return "CurrentRelativeHumidity"
	case StatusFault:
		return "StatusFault"
	default:
		return fmt.Sprintf("CharacteristicType(%d)", int(c))
	}
}

type AuthorizationStatus int

const (
	AuthorizationUndetermined AuthorizationStatus = iota
	AuthorizationGranted
	AuthorizationDenied
)

// Manager is the entry point to the hub, holding one or more homes.
type Manager interface {
	AuthorizationStatus() AuthorizationStatus
	Homes() []Home
}

// Home scopes accessories and the automation objects created against them. All mutating calls
// complete through their callback, possibly on another goroutine.
type Home interface {
	Identifier() string
	Name() string
	Accessories() []Accessory
	Triggers() []Trigger
	ActionSets() []ActionSet

	AddActionSet(name string, cb func(ActionSet, error))
	RemoveActionSet(as ActionSet, cb func(error))
	AddTrigger(spec TriggerSpec, cb func(Trigger, error))
	RemoveTrigger(t Trigger, cb func(error))
}

type Accessory interface {
	Identifier() string
	Name() string
	Reachable() bool
	Services() []Service
}

// Service groups characteristics, Capability reports which sensor type it implements.
type Service interface {
	Identifier() string
	Name() string
	Capability() da.Capability
	Characteristics() []Characteristic
}

type Characteristic interface {
	Identifier() string
	Type() CharacteristicType
	ReadValue(cb func(any, error))
	WriteValue(v any, cb func(error))
}

// Action is a single characteristic write executed when its action set runs.
type Action struct {
	Characteristic Characteristic
	TargetValue    any
}

type ActionSet interface {
	Identifier() string
	Name() string
	Actions() []Action
	AddAction(a Action, cb func(error))
}

type Comparison int

const (
	Above Comparison = iota
	Below
)

func (c Comparison) String() string {
	switch c {
	case Above:
		return "Above"
	case Below:
		return "Below"
	default:
		return fmt.Sprintf("Comparison(%d)", int(c))
	}
}

// Predicate renders the comparison as an expression over the characteristic's Value.
func (c Comparison) Predicate(threshold float64) string {
	switch c {
	case Below:
		return fmt.Sprintf("Value < %g", threshold)
	default:
		return fmt.Sprintf("Value > %g", threshold)
	}
}

// TriggerSpec describes an event trigger firing when a characteristic's value satisfies Predicate.
// ActionSets are associated at creation.
type TriggerSpec struct {
	Name           string
	Metadata       map[string]string
	Characteristic Characteristic
	Comparison     Comparison
	Threshold      float64
	Predicate      string
	ActionSets     []ActionSet
}

type Trigger interface {
	Identifier() string
	Name() string
	Metadata() map[string]string
	ActionSets() []ActionSet
	Enabled() bool
	Enable(enabled bool, cb func(error))
}

// FindCharacteristic returns the first characteristic of the given type on a service.
func FindCharacteristic(s Service, ct CharacteristicType) (Characteristic, error) {
	for _, c := range s.Characteristics() {
		if c.Type() == ct {
			return c, nil
		}
	}

	return nil, fmt.Errorf("%w: %s on service %s", ErrCharacteristicNotFound, ct, s.Identifier())
}

package hub

import "errors"

var (
	ErrCharacteristicNotFound = errors.New("hub: characteristic not found")
	ErrServiceNotFound        = errors.New("hub: service not found")
	ErrHomeNotFound           = errors.New("hub: home not found")
	ErrAuthorizationDenied    = errors.New("hub: authorization denied")
	ErrUnexpectedValue        = errors.New("hub: unexpected characteristic value")
)

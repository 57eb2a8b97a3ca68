package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// State состояние жизненного цикла клиента
type State int

const (
	StateProvisioning State = iota
	StateActive
	StateExpired
	StateOverLimit
	StateRevoked
)

var stateNames = [...]string{
	StateProvisioning: "provisioning",
	StateActive:       "active",
	StateExpired:      "expired",
	StateOverLimit:    "over_limit",
	StateRevoked:      "revoked",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState разбирает строковое представление состояния
func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown credential state %q", v)
}

// CanTransition - таблица допустимых переходов.
// Каждое состояние обязано присутствовать в switch.
func CanTransition(from, to State) bool {
	switch from {
	case StateProvisioning:
		return to == StateActive || to == StateRevoked
	case StateActive:
		return to == StateExpired || to == StateOverLimit || to == StateRevoked
	case StateExpired, StateOverLimit:
		return to == StateRevoked
	case StateRevoked:
		return false
	}
	panic(fmt.Sprintf("transition table misses %v", from))
}

// Transition переводит клиента в новое состояние, проверяя таблицу переходов
func (c *Credential) Transition(to State) error {
	if c.State == to {
		return nil
	}
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}
	c.State = to
	return nil
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value реализует driver.Valuer для хранения в PostgreSQL
func (s State) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan реализует sql.Scanner
func (s *State) Scan(src any) error {
	var v string
	switch t := src.(type) {
	case string:
		v = t
	case []byte:
		v = string(t)
	default:
		return fmt.Errorf("cannot scan %T into State", src)
	}
	parsed, err := ParseState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

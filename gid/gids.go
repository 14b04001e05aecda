package gid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tag prefixes for the domain's own identifier types. Kept to the ones the
// engine actually hands out: conntrack entries and expectations.
const (
	ConnectionTag  = "cxn"
	ExpectationTag = "exp"
	InvalidTag     = "xxx"
)

type tagToIDConstructor func(uuid.UUID) ID

var idConstructorMap = map[string]tagToIDConstructor{
	ConnectionTag:  func(id uuid.UUID) ID { return NewConnectionID(id) },
	ExpectationTag: func(id uuid.UUID) ID { return NewExpectationID(id) },
}

func parseIDParts(str string) (string, uuid.UUID, error) {
	parts := strings.Split(str, "_")
	if len(parts) != 2 {
		return "", uuid.Nil, errors.New("invalid GID structure")
	}
	idPart, err := decodeUUID(parts[1])
	if err != nil {
		return "", uuid.Nil, errors.Wrap(err, "invalid unique id part of GID")
	}
	return parts[0], idPart, nil
}

func ParseID(str string) (ID, error) {
	tagName, uniquePart, err := parseIDParts(str)
	if err != nil {
		return nil, err
	}

	constructor := idConstructorMap[tagName]
	if constructor == nil {
		return nil, errors.Errorf("no known gid for tag %s", tagName)
	}

	return constructor(uniquePart), nil
}

func ParseIDAs(str string, destID interface{}) error {
	id, err := ParseID(str)
	if err != nil {
		return errors.Wrapf(err, "parse ID failed: %s", str)
	}
	return assignTo(id, destID)
}

// ConnectionID identifies a conntrack entry (C4): stable across both
// directions of the flow it represents, and across layering (a child CE
// gets its own ConnectionID distinct from its parent's).
type ConnectionID struct {
	baseID
}

func (ConnectionID) GetType() string {
	return ConnectionTag
}

func (id ConnectionID) String() string {
	return String(id)
}

func NewConnectionID(id uuid.UUID) ConnectionID {
	return ConnectionID{baseID(id)}
}

func GenerateConnectionID() ConnectionID {
	return NewConnectionID(uuid.New())
}

func (id ConnectionID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *ConnectionID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}

// ExpectationID identifies a pending expectation (C11).
type ExpectationID struct {
	baseID
}

func (ExpectationID) GetType() string {
	return ExpectationTag
}

func (id ExpectationID) String() string {
	return String(id)
}

func NewExpectationID(id uuid.UUID) ExpectationID {
	return ExpectationID{baseID(id)}
}

func GenerateExpectationID() ExpectationID {
	return NewExpectationID(uuid.New())
}

func (id ExpectationID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *ExpectationID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}

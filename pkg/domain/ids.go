// Package domain provides type-safe identifiers and the shared stage vocabulary.
package domain

import (
	"github.com/google/uuid"

	dErrors "gatehouse/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing a GrantID where a CandidateID is expected.
type (
	CandidateID uuid.UUID
	GrantID     uuid.UUID
)

// ActorID identifies the staff member, evaluator or system process performing an action.
// It is supplied by the identity proxy and is not validated beyond being non-empty.
type ActorID string

// SystemActor is recorded for transitions performed by background processes.
const SystemActor ActorID = "system"

func NewCandidateID() CandidateID { return CandidateID(uuid.New()) }
func NewGrantID() GrantID         { return GrantID(uuid.New()) }

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseCandidateID(s string) (CandidateID, error) {
	id, err := parseUUID(s, "candidate ID")
	return CandidateID(id), err
}

func ParseGrantID(s string) (GrantID, error) {
	id, err := parseUUID(s, "grant ID")
	return GrantID(id), err
}

func ParseActorID(s string) (ActorID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeBadRequest, "actor ID cannot be empty")
	}
	return ActorID(s), nil
}

func (id CandidateID) String() string { return uuid.UUID(id).String() }
func (id GrantID) String() string     { return uuid.UUID(id).String() }
func (id ActorID) String() string     { return string(id) }

func (id CandidateID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id GrantID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, "invalid "+label+" format")
	}
	if id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, label+" cannot be nil")
	}
	return id, nil
}

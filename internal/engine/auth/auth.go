package auth

import (
	"fmt"
	"sort"
)

// Capabilities checked by the engine.
const (
	CapStageRevert    = "stage.revert"
	CapGateInit       = "gate.init"
	CapGateScore      = "gate.score"
	CapGateEscalate   = "gate.escalate"
	CapProjectCreate  = "project.create"
	CapProjectUpdate  = "project.update"
	CapProjectArchive = "project.archive"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// NotApproverError is returned when an actor signs a gate it is not
// listed on.
type NotApproverError struct {
	ActorID string
	GateID  string
}

func (e NotApproverError) Error() string {
	return fmt.Sprintf("actor %s is not a required approver of gate %s", e.ActorID, e.GateID)
}

// Service resolves role capabilities from configuration. A nil Roles map
// grants every capability to every role.
type Service struct {
	Roles map[string][]string
}

func (s Service) Capabilities(role string) []string {
	if s.Roles == nil {
		return []string{"*"}
	}
	caps := append([]string(nil), s.Roles[role]...)
	sort.Strings(caps)
	return caps
}

func (s Service) Can(role, perm string) bool {
	for _, c := range s.Capabilities(role) {
		if c == perm || c == "*" {
			return true
		}
	}
	return false
}

func (s Service) Require(role, perm string) error {
	if s.Can(role, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

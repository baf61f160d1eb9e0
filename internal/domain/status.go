package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Phase is the closed set of process stages.
type Phase string

const (
	PhaseRequirementsGathering Phase = "requirements_gathering"
	PhaseWaitingFor            Phase = "waiting_for"
	PhaseDone                  Phase = "done"
)

const waitingPrefix = string(PhaseWaitingFor) + "_"

// Status is a parsed process status. Role is only set for PhaseWaitingFor
// and is always lower case.
type Status struct {
	Phase Phase
	Role  string
}

func RequirementsGathering() Status { return Status{Phase: PhaseRequirementsGathering} }

func WaitingFor(role string) Status {
	return Status{Phase: PhaseWaitingFor, Role: strings.ToLower(role)}
}

func (s Status) String() string {
	if s.Phase == PhaseWaitingFor {
		return waitingPrefix + s.Role
	}
	return string(s.Phase)
}

// ParseStatus maps a stored status string onto the closed vocabulary.
func ParseStatus(raw string) (Status, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == string(PhaseRequirementsGathering):
		return RequirementsGathering(), nil
	case raw == string(PhaseDone):
		return Status{Phase: PhaseDone}, nil
	case strings.HasPrefix(raw, waitingPrefix):
		role := strings.TrimPrefix(raw, waitingPrefix)
		if !rolePattern.MatchString(role) {
			return Status{}, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
		}
		return WaitingFor(role), nil
	}
	return Status{}, fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

var transitions = map[Phase][]Phase{
	PhaseRequirementsGathering: {PhaseWaitingFor, PhaseDone},
	PhaseWaitingFor:            {PhaseWaitingFor, PhaseDone},
	PhaseDone:                  {},
}

// EnsureTransition validates a status change against the transition table.
func EnsureTransition(from, to Status, force bool) error {
	if force {
		return nil
	}
	for _, next := range transitions[from.Phase] {
		if next == to.Phase {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
}

var rolePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

const (
	RolePM         = "PM"
	RoleDeveloper  = "Developer"
	RoleUnassigned = "Unassigned"
)

// ValidateRole checks a role name is safe to store in the ledger and in a
// status string. A non-empty catalog restricts the accepted names.
func ValidateRole(role string, catalog []string) error {
	if !rolePattern.MatchString(role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if len(catalog) == 0 {
		return nil
	}
	for _, r := range catalog {
		if strings.EqualFold(r, role) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q not in catalog", ErrInvalidRole, role)
}

var processIDPattern = regexp.MustCompile(`^[0-9]+_[^/\\:]+$`)

// ValidateProcessID accepts ids of the form ProcessID produces. Ids carrying
// a path separator are rejected so an id always names one stored document.
func ValidateProcessID(id string) error {
	if !processIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidProcessID, id)
	}
	return nil
}

// ProcessID builds <seq>_<name> with whitespace runs collapsed to "_".
func ProcessID(seq int, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, `/\:`) {
		return "", fmt.Errorf("%w: %q contains a path separator or ':'", ErrInvalidName, name)
	}
	if seq <= 0 {
		return "", fmt.Errorf("sequence must be positive, got %d", seq)
	}
	return fmt.Sprintf("%03d_%s", seq, strings.Join(strings.Fields(name), "_")), nil
}

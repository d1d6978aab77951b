package model

import (
	"regexp"
	"time"
)

// nameRegexp is spec.md §3's VM name pattern.
var nameRegexp = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

const maxNameLen = 42

// VM is the top-level persisted aggregate: identity, lifecycle state and the
// 1:1 Hardware description.
type VM struct {
	ID        int64
	Name      string
	Status    Status
	Since     time.Time
	PID       *int64
	Autostart bool
	Hardware  Hardware
}

// ValidateName checks a candidate VM name against spec.md §3.
func ValidateName(name string) error {
	if len(name) < 1 || len(name) > maxNameLen {
		return NewFieldError(ErrValidation, "name", "name must be 1..42 characters")
	}
	if !nameRegexp.MatchString(name) {
		return NewFieldError(ErrValidation, "name", "name must match ^[a-z][a-z0-9]*$")
	}
	return nil
}

// Description is the client-supplied shape accepted by the `new` and
// `update_hardware` RPC methods (spec.md §6): a name plus a hardware
// description, with autostart defaulting to false on creation.
type Description struct {
	Name      string
	Autostart bool
	Hardware  Hardware
}

// Validate checks a Description's name and hardware in full.
func (d Description) Validate() error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	return d.Hardware.Validate("hardware")
}

// VNCDisplay is the deterministic display number spec.md §4.2 assigns: a VM's
// own id.
func (v VM) VNCDisplay() int64 {
	return v.ID
}

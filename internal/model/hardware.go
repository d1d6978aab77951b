package model

import (
	"fmt"

	"github.com/google/uuid"
)

// BootDevice is the QEMU -boot device letter.
type BootDevice string

const (
	BootDisk   BootDevice = "c"
	BootNet    BootDevice = "n"
	BootCDROM  BootDevice = "d"
)

// Hardware is the 1:1 hardware description owned by a VM.
type Hardware struct {
	RAMMiB      int
	CPUs        int
	Boot        BootDevice
	RTCUTC      bool
	ProductUUID uuid.UUID
	NICs        []NIC
	Media       []Media
}

// DefaultHardware fills in spec.md's documented defaults and generates a
// fresh ProductUUID, restoring the original Python implementation's
// uuid.uuid4() default (see SPEC_FULL.md §3).
func DefaultHardware() Hardware {
	return Hardware{
		Boot:        BootCDROM,
		RTCUTC:      true,
		ProductUUID: uuid.New(),
	}
}

// Validate checks a Hardware description against spec.md §3's field
// constraints, recursing into NICs and Media. field is the dotted path
// prefix used for nested Validation errors, typically "hardware".
func (h Hardware) Validate(field string) error {
	if h.RAMMiB < 1 {
		return NewFieldError(ErrValidation, field+".ram_m", "ram_m must be >= 1")
	}
	if h.CPUs < 1 {
		return NewFieldError(ErrValidation, field+".cpus", "cpus must be >= 1")
	}

	boot := h.Boot
	if boot == "" {
		boot = BootCDROM
	}
	switch boot {
	case BootDisk, BootNet, BootCDROM:
	default:
		return NewFieldError(ErrValidation, field+".boot", fmt.Sprintf("invalid boot device %q", h.Boot))
	}

	if h.ProductUUID == uuid.Nil {
		return NewFieldError(ErrValidation, field+".product_uuid", "product_uuid must not be nil")
	}

	for i, n := range h.NICs {
		if err := n.Validate(fmt.Sprintf("%s.nic[%d]", field, i)); err != nil {
			return err
		}
	}
	for i, m := range h.Media {
		if err := m.Validate(fmt.Sprintf("%s.media[%d]", field, i)); err != nil {
			return err
		}
	}
	return nil
}

// EffectiveBoot returns Boot, defaulted to 'd' when unset.
func (h Hardware) EffectiveBoot() BootDevice {
	if h.Boot == "" {
		return BootCDROM
	}
	return h.Boot
}

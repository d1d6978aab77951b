package model

import (
	"fmt"
	"regexp"
)

// NICModel enumerates the guest network device models spec.md §3 allows.
type NICModel string

const (
	NICVirtioNet NICModel = "virtio-net"
	NICSunGEM    NICModel = "sungem"
	NICUSBNet    NICModel = "usb-net"
	NICRTL8139   NICModel = "rtl8139"
	NICPCNet     NICModel = "pcnet"
	NICE1000     NICModel = "e1000"
)

var validNICModels = map[NICModel]bool{
	NICVirtioNet: true, NICSunGEM: true, NICUSBNet: true,
	NICRTL8139: true, NICPCNet: true, NICE1000: true,
}

var macRegexp = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// NIC is a single virtual network interface owned by a VM's Hardware.
type NIC struct {
	ID     int64
	Model  NICModel
	MAC    string
	Master string
	MTU    int
}

// DefaultNIC fills in spec.md's documented defaults for fields the caller
// omitted.
func DefaultNIC() NIC {
	return NIC{Model: NICVirtioNet, MTU: 1500}
}

// Validate checks a NIC against spec.md §3's field constraints. field is the
// dotted path used to qualify any Validation error returned, e.g.
// "hardware.nic[0]".
func (n NIC) Validate(field string) error {
	if n.Model == "" {
		n.Model = NICVirtioNet
	}
	if !validNICModels[n.Model] {
		return NewFieldError(ErrValidation, field+".model", fmt.Sprintf("unsupported NIC model %q", n.Model))
	}
	if !macRegexp.MatchString(n.MAC) {
		return NewFieldError(ErrValidation, field+".mac", fmt.Sprintf("invalid MAC address %q", n.MAC))
	}
	if n.Master == "" {
		return NewFieldError(ErrValidation, field+".master", "master bridge name must not be empty")
	}
	mtu := n.MTU
	if mtu == 0 {
		mtu = 1500
	}
	if mtu < 1 {
		return NewFieldError(ErrValidation, field+".mtu", "mtu must be >= 1")
	}
	return nil
}

// TapName is the pure function from NIC id to host TAP device name spec.md
// §3/§4.1 requires: deterministic and collision free because NIC ids are
// unique.
func TapName(nicID int64) string {
	return fmt.Sprintf("mmvmm%d", nicID)
}

// NetdevID is the QEMU -netdev id spec.md §6 requires: "<vmname>net<nic.id>".
func NetdevID(vmName string, nicID int64) string {
	return fmt.Sprintf("%snet%d", vmName, nicID)
}

package rpcserver

import (
	"github.com/google/uuid"

	"github.com/mmvmm/mmvmm/internal/model"
)

func nicFromWire(d NICDesc) model.NIC {
	n := model.DefaultNIC()
	n.ID = d.ID
	if d.Model != "" {
		n.Model = model.NICModel(d.Model)
	}
	n.MAC = d.MAC
	n.Master = d.Master
	if d.MTU != 0 {
		n.MTU = d.MTU
	}
	return n
}

func nicToWire(n model.NIC) NICDesc {
	return NICDesc{ID: n.ID, Model: string(n.Model), MAC: n.MAC, Master: n.Master, MTU: n.MTU}
}

func mediaFromWire(d MediaDesc) model.Media {
	m := model.DefaultMedia()
	m.ID = d.ID
	m.Type = model.MediaType(d.Type)
	m.Path = d.Path
	m.Format = model.MediaFormat(d.Format)
	m.ReadOnly = d.ReadOnly
	if d.Interface != "" {
		m.Interface = model.MediaInterface(d.Interface)
	}
	m.HostCache = d.HostCache
	return m
}

func mediaToWire(m model.Media) MediaDesc {
	return MediaDesc{
		ID:        m.ID,
		Type:      string(m.Type),
		Path:      m.Path,
		Format:    string(m.Format),
		ReadOnly:  m.ReadOnly,
		Interface: string(m.Interface),
		HostCache: m.HostCache,
	}
}

func hardwareFromWire(d HardwareDesc) (model.Hardware, error) {
	h := model.DefaultHardware()
	h.RAMMiB = d.RAMMiB
	h.CPUs = d.CPUs
	if d.Boot != "" {
		h.Boot = model.BootDevice(d.Boot)
	}
	if d.RTCUTC != nil {
		h.RTCUTC = *d.RTCUTC
	}
	if d.ProductUUID != "" {
		u, err := uuid.Parse(d.ProductUUID)
		if err != nil {
			return model.Hardware{}, model.NewFieldError(model.ErrValidation, "hardware.product_uuid", "product_uuid is not a valid UUID")
		}
		h.ProductUUID = u
	}
	for _, n := range d.NICs {
		h.NICs = append(h.NICs, nicFromWire(n))
	}
	for _, m := range d.Media {
		h.Media = append(h.Media, mediaFromWire(m))
	}
	return h, nil
}

func hardwareToWire(h model.Hardware) HardwareDesc {
	rtc := h.RTCUTC
	out := HardwareDesc{
		RAMMiB:      h.RAMMiB,
		CPUs:        h.CPUs,
		Boot:        string(h.EffectiveBoot()),
		RTCUTC:      &rtc,
		ProductUUID: h.ProductUUID.String(),
	}
	for _, n := range h.NICs {
		out.NICs = append(out.NICs, nicToWire(n))
	}
	for _, m := range h.Media {
		out.Media = append(out.Media, mediaToWire(m))
	}
	return out
}

func descFromWire(d VMDesc) (model.Description, error) {
	hw, err := hardwareFromWire(d.Hardware)
	if err != nil {
		return model.Description{}, err
	}
	return model.Description{Name: d.Name, Autostart: d.Autostart, Hardware: hw}, nil
}

func vmToWire(vm model.VM) VMInfo {
	return VMInfo{
		ID:        vm.ID,
		Name:      vm.Name,
		Status:    string(vm.Status),
		Since:     vm.Since,
		PID:       vm.PID,
		Autostart: vm.Autostart,
		Hardware:  hardwareToWire(vm.Hardware),
	}
}

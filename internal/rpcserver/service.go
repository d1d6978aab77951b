package rpcserver

import (
	"context"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/sirupsen/logrus"

	"github.com/mmvmm/mmvmm/internal/registry"
)

const callTimeout = 30 * time.Second

// Service implements the Control RPC method table of spec.md §6. Every
// method's (args, reply) pair follows net/rpc's convention so it can be
// registered and served over the jsonrpc codec. Domain errors (model.Error)
// are returned as-is; net/rpc transmits err.Error(), which for a
// model.Error already reads "<Kind>: <message>" so clients can recover the
// error kind by splitting on the first ": ".
type Service struct {
	reg *registry.Registry
	log *logrus.Entry
}

// NewService wraps reg for RPC dispatch.
func NewService(reg *registry.Registry, log *logrus.Entry) *Service {
	return &Service{reg: reg, log: log.WithField("component", "rpcserver")}
}

func ctxWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

// New implements the `new` method.
func (s *Service) New(args *NewArgs, reply *Empty) error {
	desc, err := descFromWire(args.Description)
	if err != nil {
		return err
	}
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	vm, err := s.reg.New(ctx, desc)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"vm":  vm.Name,
		"ram": bytefmt.ByteSize(uint64(vm.Hardware.RAMMiB) * bytefmt.MEGABYTE),
	}).Info("VM created")
	return nil
}

// Delete implements the `delete` method.
func (s *Service) Delete(args *NameArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.Delete(ctx, args.Name)
}

// GetVMList implements the `get_vm_list` method.
func (s *Service) GetVMList(args *Empty, reply *VMListReply) error {
	reply.Names = s.reg.List()
	return nil
}

// Start implements the `start` method.
func (s *Service) Start(args *NameArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.StartVM(ctx, args.Name)
}

// PowerOff implements the `poweroff` method.
func (s *Service) PowerOff(args *NameArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.PowerOff(ctx, args.Name)
}

// Reset implements the `reset` method.
func (s *Service) Reset(args *NameArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.Reset(ctx, args.Name)
}

// Terminate implements the `terminate` method.
func (s *Service) Terminate(args *TerminateArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.Terminate(ctx, args.Name, args.Kill)
}

// IsRunning implements the `is_running` method.
func (s *Service) IsRunning(args *NameArgs, reply *BoolReply) error {
	v, err := s.reg.IsRunning(args.Name)
	if err != nil {
		return err
	}
	reply.Value = v
	return nil
}

// Info implements the `info` method.
func (s *Service) Info(args *NameArgs, reply *InfoReply) error {
	vm, err := s.reg.Info(args.Name)
	if err != nil {
		return err
	}
	reply.VM = vmToWire(vm)
	return nil
}

// SetAutostart implements the `set_autostart` method.
func (s *Service) SetAutostart(args *SetAutostartArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.SetAutostart(ctx, args.Name, args.Autostart)
}

// UpdateHardware implements the `update_hardware` method.
func (s *Service) UpdateHardware(args *UpdateHardwareArgs, reply *Empty) error {
	hw, err := hardwareFromWire(args.Hardware)
	if err != nil {
		return err
	}
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.UpdateHardware(ctx, args.Name, hw)
}

// AddNIC implements the `add_nic` method.
func (s *Service) AddNIC(args *AddNICArgs, reply *IDReply) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	id, err := s.reg.AddNIC(ctx, args.Name, nicFromWire(args.NIC))
	if err != nil {
		return err
	}
	reply.ID = id
	return nil
}

// DelNIC implements the `del_nic` method.
func (s *Service) DelNIC(args *DelNICArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.DelNIC(ctx, args.Name, args.ID)
}

// AddMedia implements the `add_media` method.
func (s *Service) AddMedia(args *AddMediaArgs, reply *IDReply) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	id, err := s.reg.AddMedia(ctx, args.Name, mediaFromWire(args.Media))
	if err != nil {
		return err
	}
	reply.ID = id
	return nil
}

// DelMedia implements the `del_media` method.
func (s *Service) DelMedia(args *DelMediaArgs, reply *Empty) error {
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	return s.reg.DelMedia(ctx, args.Name, args.ID)
}

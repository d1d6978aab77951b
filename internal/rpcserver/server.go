package rpcserver

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mmvmm/mmvmm/internal/registry"
)

// socketMode is the permission spec.md §6 requires on control.sock: group
// and owner read/write, no execute, nothing for other.
const socketMode = 0660

// Server accepts connections on the Control RPC's Unix socket and serves
// each with net/rpc's jsonrpc codec, one goroutine per connection (spec.md
// §5: "one goroutine per accepted RPC connection").
type Server struct {
	ln     net.Listener
	rpcSrv *rpc.Server
	log    *logrus.Entry
	done   chan struct{}
}

// Listen binds the Control RPC socket at socketPath, removing any stale
// socket file left behind by a prior unclean shutdown first, and applies
// spec.md §6's 0660 permission.
func Listen(reg *registry.Registry, socketPath string, log *logrus.Entry) (*Server, error) {
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, errors.Wrapf(err, "removing stale socket %s", socketPath)
	}

	// Belt-and-suspenders against the default umask: restrict the mode a
	// concurrently-racing reader could observe between bind and Chmod.
	oldMask := unix.Umask(0117)
	ln, err := net.Listen("unix", socketPath)
	unix.Umask(oldMask)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", socketPath)
	}
	if err := os.Chmod(socketPath, socketMode); err != nil {
		ln.Close()
		return nil, errors.Wrapf(err, "setting permissions on %s", socketPath)
	}

	rpcSrv := rpc.NewServer()
	if err := rpcSrv.RegisterName("Control", NewService(reg, log)); err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "registering Control RPC service")
	}

	return &Server{
		ln:     ln,
		rpcSrv: rpcSrv,
		log:    log.WithField("component", "rpcserver"),
		done:   make(chan struct{}),
	}, nil
}

// Serve accepts connections until Close is called. It blocks; run it in its
// own goroutine.
func (s *Server) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.WithError(err).Warn("accept failed")
			return
		}
		go s.rpcSrv.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	close(s.done)
	err := s.ln.Close()
	if addr, ok := s.ln.Addr().(*net.UnixAddr); ok {
		_ = os.Remove(addr.Name)
	}
	return err
}

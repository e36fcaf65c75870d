package doip

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"

	"go.uber.org/atomic"
)

var errBadNetwork = errors.New("DoIP: bad network")

// A Server defines parameters for running a DoIP entity on TCP.
type Server struct {
	// Address to listen on, ":13400" if empty.
	Addr string
	// if "tcp" or "tcp-tls" (DoIP over TLS) it will invoke a TCP listener
	Net string
	// TCP Listener to use, this is to aid in systemd's socket activation.
	Listener net.Listener
	// TLS connection configuration
	TLSConfig *tls.Config
	// Policy decides on routing activations, DefaultPolicy if nil.
	Policy ActivationPolicy
	// If NotifyStartedFunc is set it is called once the server has started listening.
	NotifyStartedFunc func()

	cfg      Config
	identity IdentityProvider
	table    *Table
	router   *Router

	nextID *atomic.Uint64
	open   *atomic.Int32

	// Shutdown handling
	lock   sync.RWMutex
	wg     sync.WaitGroup
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	log Logger
}

// NewServer creates an entity server. transport carries diagnostic messages
// for the configured sub-network addresses and may be nil.
func NewServer(cfg Config, identity IdentityProvider, transport SubnetTransport, log Logger) *Server {
	if log == nil {
		log = discardLogger()
	}
	cfg = cfg.withDefaults()
	table := NewTable(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Net:      "tcp",
		cfg:      cfg,
		identity: identity,
		table:    table,
		router:   NewRouter(table, transport, log),
		nextID:   atomic.NewUint64(0),
		open:     atomic.NewInt32(0),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
}

// Table returns the address routing table.
func (srv *Server) Table() *Table { return srv.table }

// Router returns the diagnostic message router. Sub-network transports
// report ECU responses through Router.Indicate.
func (srv *Server) Router() *Router { return srv.router }

// Config returns the effective configuration.
func (srv *Server) Config() Config { return srv.cfg }

// OpenSockets returns the number of currently open TCP data sockets.
func (srv *Server) OpenSockets() int { return int(srv.open.Load()) }

// EntityStatus reports node type, socket usage and the maximum data size.
func (srv *Server) EntityStatus() *EntityStatusRes {
	max := srv.cfg.MaxDataSize
	return &EntityStatusRes{
		NodeType:    srv.cfg.NodeType,
		MaxSockets:  clampByte(srv.cfg.MaxSockets),
		OpenSockets: clampByte(srv.OpenSockets()),
		MaxDataSize: &max,
	}
}

func clampByte(n int) byte {
	if n > 0xFF {
		return 0xFF
	}
	return byte(n)
}

func (srv *Server) activationPolicy() ActivationPolicy {
	if srv.Policy == nil {
		return DefaultPolicy{}
	}
	return srv.Policy
}

// ListenAndServe starts the entity on the configured address in *Server.
func (srv *Server) ListenAndServe() error {
	addr := srv.Addr
	if addr == "" {
		addr = ":" + strconv.Itoa(Port)
	}

	var (
		l   net.Listener
		err error
	)
	switch srv.Net {
	case "", "tcp", "tcp4", "tcp6":
		network := srv.Net
		if network == "" {
			network = "tcp"
		}
		l, err = net.Listen(network, addr)
	case "tcp-tls", "tcp4-tls", "tcp6-tls":
		network := "tcp"
		if srv.Net == "tcp4-tls" {
			network = "tcp4"
		} else if srv.Net == "tcp6-tls" {
			network = "tcp6"
		}
		l, err = tls.Listen(network, addr, srv.TLSConfig)
	default:
		return errBadNetwork
	}
	if err != nil {
		return err
	}
	return srv.Serve(l)
}

// Serve accepts connections on l until Shutdown. Each connection is driven by
// its own goroutine.
func (srv *Server) Serve(l net.Listener) error {
	srv.lock.Lock()
	srv.Listener = l
	srv.lock.Unlock()
	defer close(srv.done)
	defer l.Close()
	stop := context.AfterFunc(srv.ctx, func() { l.Close() })
	defer stop()

	srv.log.Infof("Started server at %s", l.Addr())
	if srv.NotifyStartedFunc != nil {
		srv.NotifyStartedFunc()
	}

	var err error
	for {
		rw, e := l.Accept()
		if e != nil {
			if srv.ctx.Err() != nil {
				break
			}
			var neterr net.Error
			if errors.As(e, &neterr) && neterr.Timeout() {
				continue
			}
			err = e
			break
		}
		if srv.ctx.Err() != nil {
			rw.Close()
			break
		}

		id := SocketID(srv.nextID.Inc())
		srv.open.Inc()
		srv.log.Debugf("New connection %d on %s", id, rw.RemoteAddr())

		s := newSession(srv, id, rw)
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			s.run(srv.ctx)
		}()
	}
	srv.cancel()
	srv.wg.Wait()
	return err
}

// Shutdown stops accepting, closes every connection and waits for their
// sessions to end. After a call to Shutdown, ListenAndServe will return.
func (srv *Server) Shutdown() error {
	srv.cancel()
	srv.lock.RLock()
	l := srv.Listener
	srv.lock.RUnlock()
	if l == nil {
		return nil
	}
	l.Close()
	<-srv.done
	return nil
}

// RunLocalTCPServer starts a server on addr and returns once it listens.
func RunLocalTCPServer(addr string, cfg Config, identity IdentityProvider, transport SubnetTransport, logger Logger) (*Server, string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	server := NewServer(cfg, identity, transport, logger)
	return startLocal(server, l)
}

// RunLocalTLSServer starts a tcp-tls server on addr and returns once it listens.
func RunLocalTLSServer(addr string, cfg Config, identity IdentityProvider, transport SubnetTransport, cert tls.Certificate, logger Logger) (*Server, string, error) {
	config := tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	l, err := tls.Listen("tcp", addr, &config)
	if err != nil {
		return nil, "", err
	}
	server := NewServer(cfg, identity, transport, logger)
	server.Net = "tcp-tls"
	server.TLSConfig = &config
	return startLocal(server, l)
}

func startLocal(server *Server, l net.Listener) (*Server, string, error) {
	var wg sync.WaitGroup
	wg.Add(1)
	server.NotifyStartedFunc = func() {
		wg.Done()
	}

	go func() {
		server.Serve(l)
	}()

	wg.Wait()
	return server, l.Addr().String(), nil
}

// Package subnet provides an in-process vehicle sub-network for the DoIP
// entity: simulated ECUs addressed by logical address.
package subnet

import (
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/eshenhu/doipgw/doip"
)

var (
	// ErrUnreachable is returned for a logical address without an ECU.
	ErrUnreachable = errors.New("subnet: ECU unreachable")
	// ErrBusy is returned when the request queue is full.
	ErrBusy = errors.New("subnet: queue full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("subnet: closed")
)

// ECUFunc answers one request. A nil response sends nothing back.
type ECUFunc func(req []byte) []byte

// Echo answers every request with the request itself.
func Echo(req []byte) []byte {
	return append([]byte{}, req...)
}

// Upstream receives the responses of the sub-network, typically doip.Router.
type Upstream interface {
	Indicate(source uint16, data []byte) error
}

type request struct {
	la   uint16
	data []byte
}

// Loopback is a doip.SubnetTransport delivering requests to ECUFuncs on a
// single worker goroutine, in order.
type Loopback struct {
	mux      sync.RWMutex
	ecus     map[uint16]ECUFunc
	upstream Upstream
	in       chan request
	isRun    chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	log      doip.Logger
}

// NewLoopback creates a stopped loopback with a request queue of the given size.
func NewLoopback(queue int, logger doip.Logger) *Loopback {
	if queue <= 0 {
		queue = 16
	}
	if logger == nil {
		logger = doip.NewLogger(io.Discard)
	}
	return &Loopback{
		ecus:  make(map[uint16]ECUFunc),
		in:    make(chan request, queue),
		isRun: make(chan struct{}),
		log:   logger,
	}
}

// Attach places an ECU at logical address la.
func (l *Loopback) Attach(la uint16, ecu ECUFunc) {
	l.mux.Lock()
	l.ecus[la] = ecu
	l.mux.Unlock()
}

// Detach removes the ECU at la.
func (l *Loopback) Detach(la uint16) {
	l.mux.Lock()
	delete(l.ecus, la)
	l.mux.Unlock()
}

// Addresses returns the attached logical addresses in ascending order.
func (l *Loopback) Addresses() []uint16 {
	l.mux.RLock()
	out := make([]uint16, 0, len(l.ecus))
	for la := range l.ecus {
		out = append(out, la)
	}
	l.mux.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start runs the worker delivering responses to up.
func (l *Loopback) Start(up Upstream) {
	l.mux.Lock()
	l.upstream = up
	l.mux.Unlock()

	l.log.Debugf("Start loopback sub-network")
	l.wg.Add(1)
	go l.run()
}

// Close stops the worker. Pending requests are dropped.
func (l *Loopback) Close() {
	l.once.Do(func() {
		l.log.Debugf("Stop loopback sub-network")
		close(l.isRun)
	})
	l.wg.Wait()
}

// Send implements doip.SubnetTransport. It never blocks.
func (l *Loopback) Send(la uint16, data []byte) error {
	select {
	case <-l.isRun:
		return ErrClosed
	default:
	}

	l.mux.RLock()
	_, ok := l.ecus[la]
	l.mux.RUnlock()
	if !ok {
		return ErrUnreachable
	}

	select {
	case l.in <- request{la: la, data: append([]byte{}, data...)}:
		return nil
	default:
		return ErrBusy
	}
}

func (l *Loopback) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.isRun:
			return
		case r := <-l.in:
			l.serve(r)
		}
	}
}

func (l *Loopback) serve(r request) {
	l.mux.RLock()
	ecu, ok := l.ecus[r.la]
	up := l.upstream
	l.mux.RUnlock()
	if !ok {
		l.log.Debugf("(0x%04x) ECU detached, drop request", r.la)
		return
	}

	res := ecu(r.data)
	if res == nil || up == nil {
		return
	}
	if err := up.Indicate(r.la, res); err != nil {
		l.log.Debugf("(0x%04x) response not delivered: %v", r.la, err)
	}
}

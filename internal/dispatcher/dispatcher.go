// Package dispatcher is the server's single point of contact with the
// network: a readiness-multiplexed accept-and-read loop feeding a bounded
// work queue, drained by a fixed worker pool that runs the matchmaking
// state machine under each connection's own lock.
package dispatcher

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xtaci/gaio"

	"github.com/mirko-laruina/four-in-a-row/internal/adminsrv"
	"github.com/mirko-laruina/four-in-a-row/internal/certdir"
	"github.com/mirko-laruina/four-in-a-row/internal/framing"
	"github.com/mirko-laruina/four-in-a-row/internal/matchmaking"
	"github.com/mirko-laruina/four-in-a-row/internal/registry"
	"github.com/mirko-laruina/four-in-a-row/internal/securechannel"
	"github.com/mirko-laruina/four-in-a-row/internal/wire"
)

// QueueCapacity bounds the work queue, per spec.
const QueueCapacity = 1000

// DefaultWorkers is the worker pool size absent a --workers override.
const DefaultWorkers = 4

const ioDeadline = 30 * time.Second

// Dispatcher owns the listening socket, the gaio readiness multiplexer, and
// the worker pool. One Dispatcher serves one listen port for the lifetime
// of the process.
type Dispatcher struct {
	listener net.Listener
	watcher  *gaio.Watcher

	reg     *registry.Registry
	certs   *certdir.Directory
	handler *matchmaking.Handler

	myIdentity string
	myCert     *x509.Certificate
	myKey      *ecdsa.PrivateKey

	queue   *boundedQueue
	workers int

	connsMu    sync.Mutex
	conns      map[registry.ConnID]*connState
	nextConnID uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Dispatcher that will Accept on listener once Run starts. The
// registry and certificate directory are shared with whatever else the
// server process exposes (the admin surface reads the same registry).
func New(listener net.Listener, reg *registry.Registry, certs *certdir.Directory, handler *matchmaking.Handler, myIdentity string, myCert *x509.Certificate, myKey *ecdsa.PrivateKey, workers int) (*Dispatcher, error) {
	watcher, err := gaio.NewWatcher()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Dispatcher{
		listener:   listener,
		watcher:    watcher,
		reg:        reg,
		certs:      certs,
		handler:    handler,
		myIdentity: myIdentity,
		myCert:     myCert,
		myKey:      myKey,
		queue:      newBoundedQueue(QueueCapacity),
		workers:    workers,
		conns:      make(map[registry.ConnID]*connState),
		stop:       make(chan struct{}),
	}, nil
}

// QueueDepth reports the work queue's current length, for the admin/metrics
// surface.
func (d *Dispatcher) QueueDepth() int { return d.queue.depth() }

// Run starts the accept loop, the readiness loop, and the worker pool. It
// blocks until Close is called.
func (d *Dispatcher) Run() {
	d.wg.Add(2 + d.workers)
	go func() { defer d.wg.Done(); d.acceptLoop() }()
	go func() { defer d.wg.Done(); d.ioLoop() }()
	for i := 0; i < d.workers; i++ {
		go func() { defer d.wg.Done(); d.workerLoop() }()
	}
	<-d.stop
}

// Close tears the dispatcher down: the listener and watcher are closed,
// which unblocks the accept and readiness loops, and the queue is closed to
// unblock idle workers. It waits for every goroutine to exit.
func (d *Dispatcher) Close() {
	close(d.stop)
	d.listener.Close()
	d.watcher.Close()
	d.queue.closeQueue()
	d.wg.Wait()
}

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		d.onAccept(conn)
	}
}

func (d *Dispatcher) onAccept(conn net.Conn) {
	connID := registry.ConnID(atomic.AddUint64(&d.nextConnID, 1))
	framed := framing.New(conn)

	resolve := func(identity string) (*x509.Certificate, error) {
		cert, ok := d.certs.Lookup(identity)
		if !ok {
			return nil, securechannel.ErrCertUnavailable
		}
		return cert, nil
	}
	responder := securechannel.NewResponder(d.myIdentity, d.myCert, d.myKey, resolve)

	user := registry.NewUser(connID, framed, responder, addrFromNetAddr(conn.RemoteAddr()))
	if err := d.reg.Add(user); err != nil {
		log.Warn().Err(err).Msg("dispatcher: refusing connection, registry full")
		conn.Close()
		return
	}

	cs := &connState{user: user, conn: conn}
	d.connsMu.Lock()
	d.conns[connID] = cs
	d.connsMu.Unlock()

	adminsrv.ConnectionAccepted()
	d.submitRead(connID, conn, cs.assembler.Pending())
}

func (d *Dispatcher) submitRead(connID registry.ConnID, conn net.Conn, n int) {
	buf := make([]byte, n)
	if err := d.watcher.ReadFull(connID, conn, buf, time.Now().Add(ioDeadline)); err != nil {
		d.connsMu.Lock()
		cs, ok := d.conns[connID]
		d.connsMu.Unlock()
		if ok {
			d.handler.HandleDisconnect(cs.user)
			d.evict(connID)
		}
	}
}

func (d *Dispatcher) ioLoop() {
	for {
		results, err := d.watcher.WaitIO()
		if err != nil {
			// gaio surfaces a fatal watcher-level error here (notably once
			// Close has been called) rather than a per-descriptor one; a
			// bad individual socket instead arrives as a non-nil res.Error
			// on its own OpResult, handled below.
			return
		}
		for _, res := range results {
			d.handleResult(res)
		}
	}
}

func (d *Dispatcher) handleResult(res gaio.OpResult) {
	connID, ok := res.Context.(registry.ConnID)
	if !ok {
		return
	}
	d.connsMu.Lock()
	cs, ok := d.conns[connID]
	d.connsMu.Unlock()
	if !ok {
		return
	}

	if res.Error != nil {
		if !errors.Is(res.Error, io.EOF) {
			log.Debug().Err(res.Error).Msg("dispatcher: connection read failed")
		}
		d.handler.HandleDisconnect(cs.user)
		d.evict(connID)
		return
	}
	msgBytes, ready, err := cs.assembler.Feed(res.Buffer[:res.Size])
	if err != nil {
		log.Debug().Err(err).Msg("dispatcher: framing error")
		d.handler.HandleDisconnect(cs.user)
		d.evict(connID)
		return
	}

	if ready {
		cs.user.Lock()
		channel := cs.user.Channel
		cs.user.Unlock()

		plaintext := msgBytes
		if channel != nil {
			pt, err := channel.Open(msgBytes)
			if err != nil {
				log.Debug().Err(err).Msg("dispatcher: record decrypt failed")
				d.handler.HandleDisconnect(cs.user)
				d.evict(connID)
				return
			}
			plaintext = pt
		}

		msg, err := wire.Decode(plaintext)
		if err != nil {
			log.Debug().Err(err).Msg("dispatcher: codec error")
			d.handler.HandleDisconnect(cs.user)
			d.evict(connID)
			return
		}
		if !d.queue.push(workItem{connID: connID, msg: msg}) {
			log.Warn().Msg("dispatcher: work queue full, refusing connection")
			d.handler.HandleDisconnect(cs.user)
			d.evict(connID)
			return
		}
	}

	cs.user.Lock()
	disconnected := cs.user.State == registry.StateDisconnected
	cs.user.Unlock()
	if disconnected {
		d.evict(connID)
		return
	}

	d.submitRead(connID, res.Conn, cs.assembler.Pending())
}

// evict drops connID from the dispatcher's own table and releases the
// registry's reference to it, destroying the user record once every other
// borrow has already been returned.
func (d *Dispatcher) evict(connID registry.ConnID) {
	d.connsMu.Lock()
	cs, ok := d.conns[connID]
	delete(d.conns, connID)
	d.connsMu.Unlock()
	if !ok {
		return
	}
	cs.conn.Close()
	if u, ok := d.reg.GetByConnID(connID); ok {
		d.reg.Yield(u)
	}
}

func (d *Dispatcher) workerLoop() {
	for {
		item, ok := d.queue.pullWait()
		if !ok {
			return
		}
		u, ok := d.reg.GetByConnID(item.connID)
		if !ok {
			continue
		}
		if err := d.handler.Dispatch(u, item.msg); err != nil {
			log.Debug().Err(err).Str("identity", u.Identity).Msg("dispatcher: handler failed, disconnecting")
			d.handler.HandleDisconnect(u)
		}
		d.reg.Yield(u)
	}
}

// Package audiomgr keeps the local nodes and connections in sync with the
// external routing authority. Requests go out through a Transport and
// return immediately; their effect only shows once the matching
// acknowledgment is handed back to the Bridge.
package audiomgr

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
	"github.com/MixyLabs/mrouter/pkg/mrouter/metrics"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
)

// Transport carries requests to the authority
type Transport interface {
	RegisterDomain(req *DomainRegistration) error
	DomainComplete(id uint16) error
	UnregisterDomain(id uint16) error
	RegisterNode(method Method, req *NodeRegistration) error
	UnregisterNode(method Method, req *NodeUnregistration) error
	Acknowledge(method Method, ack Ack) error
}

// Router is the part of the routing engine the authority drives
type Router interface {
	RegisterNode(n *node.Node)
	AddExplicitRoute(id uint16, from, to *node.Node) *node.Connection
	RemoveExplicitRoute(conn *node.Connection)
}

// Bridge is not safe for concurrent use. Inbound messages have to be
// delivered on the same event loop that drives the rest of the router.
type Bridge struct {
	logger    *zap.SugaredLogger
	registry  *node.Registry
	router    Router
	transport Transport
	metrics   *metrics.Metrics

	domain   Domain
	nodeName string

	// registrations in flight, by node key
	pending map[string]*NodeRegistration
	// unregistrations in flight, by the id they carried
	unregistering map[uint16][]*node.Node
}

func New(
	logger *zap.SugaredLogger,
	registry *node.Registry,
	router Router,
	transport Transport,
	m *metrics.Metrics,
	domainName string,
	nodeName string,
) *Bridge {
	b := &Bridge{
		logger:        logger.Named("audiomgr"),
		registry:      registry,
		router:        router,
		transport:     transport,
		metrics:       m,
		domain:        Domain{ID: node.InvalidID, Name: domainName, State: DomainDown},
		nodeName:      nodeName,
		pending:       make(map[string]*NodeRegistration),
		unregistering: make(map[uint16][]*node.Node),
	}

	b.logger.Debug("Created audio manager bridge instance")

	return b
}

// Domain returns a copy of the domain state
func (b *Bridge) Domain() Domain {
	return b.domain
}

// Pending reports whether a registration for key is in flight
func (b *Bridge) Pending(key string) bool {
	_, ok := b.pending[key]
	return ok
}

// RegisterDomain asks the authority for a domain. Nothing changes locally
// until it answers.
func (b *Bridge) RegisterDomain() error {
	req := &DomainRegistration{
		DomainID: 0,
		Name:     b.domain.Name,
		BusName:  b.nodeName,
		NodeName: b.nodeName,
		Early:    false,
		Complete: false,
		State:    uint16(DomainControlled),
	}

	b.metrics.AuthorityMessage(string(MethodRegisterDomain), "out")

	if err := b.transport.RegisterDomain(req); err != nil {
		return fmt.Errorf("register domain %q: %w", b.domain.Name, err)
	}

	b.logger.Infow("Domain registration requested", "domain", b.domain.Name)

	return nil
}

// OnDomainRegistered takes the authority's answer, registers every node
// that waited for the domain and reports completion
func (b *Bridge) OnDomainRegistered(msg DomainRegistered) {
	b.metrics.AuthorityMessage(string(MethodDomainRegistered), "in")

	if b.domain.ID != node.InvalidID && b.domain.ID != msg.ID {
		b.logger.Warnw("Domain registered again under a new id", "previous", b.domain.ID, "id", msg.ID)
	}

	b.domain.ID = msg.ID
	b.domain.State = msg.State

	b.logger.Debugw("Start domain registration", "domain", b.domain.Name, "id", msg.ID, "state", msg.State.String())

	for _, n := range b.registry.Nodes() {
		if n.State == node.Unregistered {
			b.RegisterNode(n)
		}
	}

	b.logger.Debugw("Domain registration complete", "domain", b.domain.Name)

	b.metrics.AuthorityMessage(string(MethodDomainComplete), "out")
	if err := b.transport.DomainComplete(msg.ID); err != nil {
		b.logger.Warnw("Failed to report domain completion", "domain", b.domain.Name, "error", err)
	}
}

// UnregisterDomain forgets every authority id at once, without individual
// unregistrations, and drops the connections the authority made
func (b *Bridge) UnregisterDomain() {
	b.logger.Debugw("Unregistering domain", "domain", b.domain.Name, "id", b.domain.ID)

	for _, n := range b.registry.AuthorityNodes() {
		b.logger.Debugw("Unregistering node", "node", n.Key, "id", n.AuthorityID)
		b.registry.RemoveAuthority(n.Direction, n.AuthorityID)
		n.AuthorityID = node.InvalidID
		n.State = node.Unregistered
	}

	// anything still in flight is void now
	for key := range b.pending {
		if n := b.registry.Find(key); n != nil && n.State == node.RegistrationPending {
			n.State = node.Unregistered
		}
	}
	for _, nodes := range b.unregistering {
		for _, n := range nodes {
			n.State = node.Unregistered
		}
	}
	b.pending = make(map[string]*NodeRegistration)
	b.unregistering = make(map[uint16][]*node.Node)

	for _, conn := range b.registry.Connections() {
		b.router.RemoveExplicitRoute(conn)
	}

	b.domain.ID = node.InvalidID
	b.domain.State = DomainDown

	b.updateGauges()
}

// Shutdown runs the domain down, tells the authority and tears the domain
// down locally
func (b *Bridge) Shutdown() error {
	var err error

	if b.domain.ID != node.InvalidID {
		b.domain.State = DomainRundown

		b.metrics.AuthorityMessage(string(MethodDeregisterDomain), "out")
		if uerr := b.transport.UnregisterDomain(b.domain.ID); uerr != nil {
			err = multierr.Append(err, fmt.Errorf("unregister domain %d: %w", b.domain.ID, uerr))
		}
	}

	b.UnregisterDomain()

	return err
}

// RegisterNode asks the authority for an id for n. While the domain is not
// controlled this is a silent skip; the node is registered once it is.
func (b *Bridge) RegisterNode(n *node.Node) {
	if b.domain.State != DomainControlled {
		b.logger.Debugw("Skip registering node while the domain is not controlled",
			"node", n.Key, "domain", b.domain.State.String())
		return
	}
	if n.Direction != node.Input && n.Direction != node.Output {
		return
	}
	if n.State != node.Unregistered || n.HasAuthorityID() {
		b.logger.Debugw("Node registration already in progress", "node", n.Key, "state", n.State.String())
		return
	}

	req := &NodeRegistration{
		Key:        n.Key,
		Name:       n.Name,
		Domain:     b.domain.ID,
		Class:      nodeClass,
		Volume:     defaultVolume,
		MainVolume: defaultVolume,
		Visible:    n.Visible,
		Avail:      Availability{Status: availableStatus, Reason: 0},
	}

	var method Method
	if n.Direction == node.Input {
		req.Interrupt = interruptOff
		method = MethodRegisterSource
	} else {
		req.Mute = muteOff
		method = MethodRegisterSink
	}

	b.metrics.AuthorityMessage(string(method), "out")

	if err := b.transport.RegisterNode(method, req); err != nil {
		b.logger.Warnw("Failed to register node to audio manager", "node", n.Key, "name", req.Name, "error", err)
		return
	}

	b.pending[n.Key] = req
	n.State = node.RegistrationPending

	b.logger.Debugw("Initiated node registration", "node", n.Key, "name", req.Name, "method", method)
}

// OnNodeRegistered makes the node addressable under its new id and hands
// it to the routing engine. Acknowledgments nobody waits for are logged
// and dropped.
func (b *Bridge) OnNodeRegistered(msg NodeRegistered) {
	b.metrics.AuthorityMessage(string(MethodNodeRegistered), "in")

	req, ok := b.pending[msg.Key]
	if !ok {
		b.logger.Errorw("Can't find pending registration",
			"key", msg.Key, "id", msg.ID, "error", rerr.ErrProtocolInconsistency)
		return
	}
	delete(b.pending, msg.Key)

	n := b.registry.Find(msg.Key)
	if n == nil {
		b.logger.Errorw("Can't find node with key",
			"key", msg.Key, "id", msg.ID, "error", rerr.ErrProtocolInconsistency)
		return
	}

	n.AuthorityID = msg.ID
	n.State = node.Registered

	if displaced := b.registry.InsertAuthority(n); displaced != nil && displaced != n {
		b.logger.Errorw("Node displaced from id map",
			"node", displaced.Key, "by", n.Key, "id", msg.ID, "error", rerr.ErrProtocolInconsistency)
		displaced.AuthorityID = node.InvalidID
		displaced.State = node.Unregistered
	}

	b.logger.Debugw("Registered node", "node", n.Key, "name", req.Name, "id", msg.ID,
		"key", node.AuthorityKey(n.Direction, msg.ID))

	b.updateGauges()

	b.router.RegisterNode(n)
}

// UnregisterNode withdraws n. A registration still in flight is cancelled
// so its acknowledgment is ignored when it arrives.
func (b *Bridge) UnregisterNode(n *node.Node) {
	if _, ok := b.pending[n.Key]; ok {
		delete(b.pending, n.Key)
		n.State = node.Unregistered
		b.logger.Debugw("Cancelled pending registration", "node", n.Key)
		return
	}

	if b.domain.State == DomainDown || b.domain.State == DomainRundown {
		b.logger.Debugw("Skip unregistering node while the domain is down", "node", n.Key)
		return
	}
	if !n.HasAuthorityID() {
		b.logger.Debugw("Node was not registered", "node", n.Key)
		return
	}
	if n.Direction != node.Input && n.Direction != node.Output {
		return
	}

	id := n.AuthorityID
	req := &NodeUnregistration{ID: id, Name: n.Name}

	removed := b.registry.RemoveAuthority(n.Direction, id)
	switch {
	case removed == nil:
		b.logger.Errorw("Node is not in the id map",
			"node", n.Key, "id", id, "error", rerr.ErrProtocolInconsistency)
	case removed != n:
		b.logger.Errorw("Key mismatch in id map",
			"node", n.Key, "removed", removed.Key, "id", id, "error", rerr.ErrProtocolInconsistency)
		b.registry.InsertAuthority(removed)
	}

	method := MethodDeregisterSink
	if n.Direction == node.Input {
		method = MethodDeregisterSource
	}

	n.AuthorityID = node.InvalidID
	n.State = node.UnregistrationPending
	b.unregistering[id] = append(b.unregistering[id], n)

	b.updateGauges()

	b.metrics.AuthorityMessage(string(method), "out")

	if err := b.transport.UnregisterNode(method, req); err != nil {
		b.logger.Warnw("Failed to unregister node from audio manager", "node", n.Key, "id", id, "error", err)
		return
	}

	b.logger.Debugw("Initiated node unregistration", "node", n.Key, "id", id, "method", method)
}

// OnNodeUnregistered completes an unregistration. The node is usually gone
// by now.
func (b *Bridge) OnNodeUnregistered(msg NodeUnregistered) {
	b.metrics.AuthorityMessage(string(MethodNodeUnregistered), "in")

	nodes := b.unregistering[msg.ID]
	if len(nodes) == 0 {
		b.logger.Debugw("No unregistration pending", "id", msg.ID, "name", msg.Name)
		return
	}

	i := 0
	for j, n := range nodes {
		if n.Name == msg.Name {
			i = j
			break
		}
	}

	n := nodes[i]
	nodes = append(nodes[:i], nodes[i+1:]...)
	if len(nodes) == 0 {
		delete(b.unregistering, msg.ID)
	} else {
		b.unregistering[msg.ID] = nodes
	}

	if n.State == node.UnregistrationPending {
		n.State = node.Unregistered
	}

	b.logger.Debugw("Node unregistered", "node", n.Key, "id", msg.ID)
}

// OnConnect routes source to sink explicitly and acknowledges the request
func (b *Bridge) OnConnect(req ConnectRequest) {
	b.metrics.AuthorityMessage(string(MethodConnect), "in")

	code := b.connect(req)

	b.acknowledge(MethodConnectAck, Ack{Handle: req.Handle, Connection: req.Connection, Error: code})
}

func (b *Bridge) connect(req ConnectRequest) ErrorCode {
	from := b.registry.LookupAuthority(node.Input, req.Source)
	to := b.registry.LookupAuthority(node.Output, req.Sink)

	if from == nil || to == nil {
		if from == nil {
			b.logger.Debugw("Failed to connect, can't find source", "source", req.Source, "connection", req.Connection)
		} else {
			b.logger.Debugw("Failed to connect, can't find sink", "sink", req.Sink, "connection", req.Connection)
		}
		return ErrorNonExistent
	}

	if b.registry.Connection(req.Connection) != nil {
		b.logger.Warnw("Connection already exists", "connection", req.Connection)
		return ErrorAlreadyExists
	}

	b.logger.Debugw("Routing", "from", from.Name, "to", to.Name, "connection", req.Connection)

	conn := b.router.AddExplicitRoute(req.Connection, from, to)
	if conn == nil {
		return ErrorNotPossible
	}

	b.logger.Debugw("Registered connection", "connection", conn.String())

	return ErrorOK
}

// OnDisconnect removes an explicit route and acknowledges the request
func (b *Bridge) OnDisconnect(req DisconnectRequest) {
	b.metrics.AuthorityMessage(string(MethodDisconnect), "in")

	code := ErrorOK

	conn := b.registry.Connection(req.Connection)
	if conn == nil {
		b.logger.Debugw("Failed to disconnect, can't find connection", "connection", req.Connection)
		code = ErrorNonExistent
	} else {
		b.router.RemoveExplicitRoute(conn)
	}

	b.acknowledge(MethodDisconnectAck, Ack{Handle: req.Handle, Connection: req.Connection, Error: code})
}

func (b *Bridge) acknowledge(method Method, ack Ack) {
	b.metrics.AuthorityMessage(string(method), "out")
	b.metrics.AuthorityAck(string(method), ack.Error.String())

	b.updateGauges()

	if err := b.transport.Acknowledge(method, ack); err != nil {
		b.logger.Warnw("Failed to acknowledge", "method", method, "handle", ack.Handle,
			"connection", ack.Connection, "error", err)
	}
}

func (b *Bridge) updateGauges() {
	b.metrics.SetRegisteredNodes(b.registry.AuthorityLen())
	b.metrics.SetLiveConnections(len(b.registry.Connections()))
}

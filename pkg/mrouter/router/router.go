// Package router keeps output devices in prioritized routing groups and
// decides which device every stream should play to.
package router

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
	"github.com/MixyLabs/mrouter/pkg/mrouter/metrics"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
)

// Linker enacts routing decisions on the live topology
type Linker interface {
	SetupLink(from, to *node.Node, explicit bool) bool
	TeardownLink(from, to *node.Node) bool
}

// Group is a named, ordered bucket of output devices
type Group struct {
	name    string
	accept  AcceptFunc
	compare CompareFunc
	entries []*entry
}

func (g *Group) Name() string {
	return g.name
}

type entry struct {
	group   string
	node    string
	blocked bool
	stamp   uint32
}

// EntryInfo is a snapshot of one group member
type EntryInfo struct {
	Node    string
	Blocked bool
	Stamp   uint32
}

// GroupInfo is a snapshot of a group
type GroupInfo struct {
	Name    string
	Entries []EntryInfo
}

// Engine is not safe for concurrent use
type Engine struct {
	logger   *zap.SugaredLogger
	registry *node.Registry
	linker   Linker
	metrics  *metrics.Metrics

	groups     []*Group
	classmap   map[node.Type]string
	priorities map[node.Type]int

	// members maps a device key to the group holding its entry
	members map[string]string

	// streams are the inputs taking part in default routing, routes their
	// current default target
	streams []*node.Node
	routes  map[string]*node.Node

	// failed holds the target a stream's last link attempt failed for. It
	// is not retried until the set of registered nodes changes.
	failed map[string]*node.Node

	// explicit counts the live explicit routes into each output
	explicit map[string]int

	routing bool
	rerun   bool
}

func New(logger *zap.SugaredLogger, registry *node.Registry, linker Linker, m *metrics.Metrics) *Engine {
	e := &Engine{
		logger:     logger.Named("router"),
		registry:   registry,
		linker:     linker,
		metrics:    m,
		classmap:   make(map[node.Type]string),
		priorities: make(map[node.Type]int),
		members:    make(map[string]string),
		routes:     make(map[string]*node.Node),
		failed:     make(map[string]*node.Node),
		explicit:   make(map[string]int),
	}

	e.logger.Debug("Created routing engine instance")

	return e
}

// AssignPriority ranks a node type against others. Last write wins.
func (e *Engine) AssignPriority(typ node.Type, priority int) {
	e.priorities[typ] = priority
}

func (e *Engine) Priority(typ node.Type) int {
	return e.priorities[typ]
}

// CreateGroup appends an empty group. Registered devices not in any group
// yet are offered to it.
func (e *Engine) CreateGroup(name string, accept AcceptFunc, compare CompareFunc) error {
	if accept == nil || compare == nil {
		return fmt.Errorf("create group %q: %w", name, rerr.ErrInvalidArgument)
	}
	if e.group(name) != nil {
		return fmt.Errorf("create group %q: %w", name, rerr.ErrDuplicateGroup)
	}

	g := &Group{name: name, accept: accept, compare: compare}
	e.groups = append(e.groups, g)

	e.logger.Debugw("Routing group created", "group", name)

	adopted := false
	for _, n := range e.registry.Nodes() {
		if group, ok := e.members[n.Key]; ok && group == "" && accept(g, n) {
			e.insert(g, n)
			adopted = true
		}
	}
	if adopted {
		e.MakeRouting()
	}

	return nil
}

// DestroyGroup drops a group with all its entries. Its former members stay
// registered but unrouted until a group created later adopts them.
func (e *Engine) DestroyGroup(name string) error {
	idx := -1
	for i, g := range e.groups {
		if g.name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("destroy group %q: %w", name, rerr.ErrNotFound)
	}

	g := e.groups[idx]
	e.groups = append(e.groups[:idx], e.groups[idx+1:]...)

	for _, ent := range g.entries {
		e.members[ent.node] = ""
	}

	e.logger.Debugw("Routing group destroyed", "group", name, "evicted", len(g.entries))

	e.MakeRouting()

	return nil
}

// BindTypeToGroup makes streams and devices of typ use the named group
func (e *Engine) BindTypeToGroup(typ node.Type, name string) error {
	if e.group(name) == nil {
		return fmt.Errorf("bind %s to group %q: %w", typ, name, rerr.ErrNotFound)
	}
	e.classmap[typ] = name

	return nil
}

// UnbindType removes the group binding of typ
func (e *Engine) UnbindType(typ node.Type) {
	delete(e.classmap, typ)
}

// RegisterNode adds an output device to its group or a stream to the set of
// default-routed inputs, then recomputes routing
func (e *Engine) RegisterNode(n *node.Node) {
	if n == nil {
		return
	}

	switch {
	case n.IsSinkDevice():
		if _, ok := e.members[n.Key]; ok {
			e.logger.Debugw("Node already registered", "node", n.Key)
			return
		}
		e.members[n.Key] = ""
		e.place(n)

	case n.IsStream():
		for _, s := range e.streams {
			if s == n {
				e.logger.Debugw("Stream already registered", "node", n.Key)
				return
			}
		}
		e.streams = append(e.streams, n)
		e.logger.Debugw("Stream registered for routing", "node", n.Key)

	default:
		e.logger.Debugw("Node takes no part in routing", "node", n.String())
		return
	}

	e.retryFailed()
	e.MakeRouting()
}

// UnregisterNode removes a node from routing along with the explicit routes
// it takes part in, then recomputes routing
func (e *Engine) UnregisterNode(n *node.Node) {
	if n == nil {
		return
	}

	changed := false

	for _, conn := range e.registry.ConnectionsOf(n) {
		e.removeExplicit(conn)
		changed = true
	}

	if group, ok := e.members[n.Key]; ok {
		if g := e.group(group); g != nil {
			e.remove(g, n.Key)
		}
		delete(e.members, n.Key)
		changed = true
	}

	for i, s := range e.streams {
		if s == n {
			e.streams = append(e.streams[:i], e.streams[i+1:]...)
			// the stream itself is on its way out, nothing to move
			delete(e.routes, n.Key)
			delete(e.failed, n.Key)
			changed = true
			break
		}
	}

	if changed {
		e.logger.Debugw("Node unregistered from routing", "node", n.Key)
		e.retryFailed()
		e.MakeRouting()
	}
}

// MakePrerouting tells where a stream would be routed, without linking
func (e *Engine) MakePrerouting(n *node.Node) *node.Node {
	if n == nil {
		return nil
	}

	g := e.streamGroup(n)
	if g == nil {
		e.logger.Debugw("No routing group for stream", "node", n.Key, "type", n.Type.String())
		return nil
	}

	return e.active(g, e.registry.Stamp())
}

// MakeRouting recomputes the default target of every stream not routed
// explicitly and emits unlink/link decisions for the ones that changed
func (e *Engine) MakeRouting() {
	if e.routing {
		e.rerun = true
		return
	}

	e.routing = true
	defer func() { e.routing = false }()

	for {
		e.rerun = false
		e.pass()
		if !e.rerun {
			return
		}
	}
}

func (e *Engine) pass() {
	stamp := e.registry.NextStamp()

	for _, g := range e.groups {
		for _, ent := range g.entries {
			if n := e.registry.Find(ent.node); n != nil && e.members[ent.node] == g.name {
				ent.stamp = stamp
			}
		}
		e.sortGroup(g)
	}

	for _, s := range e.orderedStreams() {
		if !e.registry.Contains(s) {
			e.dropStream(s)
			continue
		}
		if s.Mux == nil && e.explicitlyRouted(s) {
			continue
		}

		var (
			target *node.Node
			group  string
		)
		if g := e.streamGroup(s); g != nil {
			target = e.active(g, stamp)
			group = g.name
		}

		prev := e.routes[s.Key]
		if prev == target {
			continue
		}
		if prev == nil && target != nil && e.failed[s.Key] == target {
			continue
		}
		delete(e.failed, s.Key)

		if prev != nil {
			e.metrics.RoutingDecision("unlink", group)
			if !e.linker.TeardownLink(s, prev) {
				e.logger.Warnw("Failed to unlink stream", "stream", s.Key, "from", prev.Key)
			}
			delete(e.routes, s.Key)
		}

		if target == nil {
			e.logger.Debugw("Stream left unrouted", "stream", s.Key, "group", group)
			continue
		}

		e.metrics.RoutingDecision("link", group)
		if !e.linker.SetupLink(s, target, false) {
			e.logger.Warnw("Failed to link stream", "stream", s.Key, "to", target.Key, "group", group)
			e.failed[s.Key] = target
			continue
		}
		e.routes[s.Key] = target

		e.logger.Debugw("Stream routed", "stream", s.Key, "to", target.Key, "group", group)
	}

	pruned := 0
	for _, g := range e.groups {
		kept := g.entries[:0]
		for _, ent := range g.entries {
			if ent.stamp == stamp {
				kept = append(kept, ent)
				continue
			}
			pruned++
			if e.members[ent.node] == g.name {
				delete(e.members, ent.node)
			}
			e.logger.Debugw("Pruned stale routing entry", "group", g.name, "node", ent.node)
		}
		g.entries = kept
	}

	e.metrics.RoutingPass(pruned)
}

// AddExplicitRoute links from to to on the authority's request. Streams
// defaulting to the same output are pushed elsewhere for as long as the
// route lives. Nothing changes when linking fails.
func (e *Engine) AddExplicitRoute(id uint16, from, to *node.Node) *node.Connection {
	if from == nil || to == nil {
		e.logger.Errorw("Explicit route with missing endpoint", "connection", id)
		return nil
	}
	if from.Direction != node.Input || to.Direction != node.Output {
		e.logger.Warnw("Explicit route with wrong directions",
			"connection", id, "from", from.String(), "to", to.String())
		return nil
	}
	if e.registry.Connection(id) != nil {
		e.logger.Warnw("Connection id already in use", "connection", id)
		return nil
	}

	if !e.linker.SetupLink(from, to, true) {
		e.logger.Warnw("Failed to set up explicit route", "connection", id, "from", from.Key, "to", to.Key)
		return nil
	}

	conn := &node.Connection{
		ID:     id,
		State:  node.Connected,
		From:   from,
		To:     to,
		Stream: from.LiveIndex,
	}

	for _, other := range e.registry.Connections() {
		if other.Blocked || !conflicts(other, from, to) {
			continue
		}
		other.Blocked = true
		e.logger.Debugw("Connection superseded", "connection", other.ID, "by", id)
	}

	e.explicit[to.Key]++
	e.setBlocked(to.Key, true)

	if from.Mux == nil || e.routes[from.Key] == to {
		// the default link was replaced by the explicit one
		delete(e.routes, from.Key)
	}

	if err := e.registry.AddConnection(conn); err != nil {
		e.logger.Errorw("Failed to record connection", "connection", id, "error", err)
	}

	e.logger.Debugw("Explicit route added", "connection", conn.String())

	e.MakeRouting()

	return conn
}

// RemoveExplicitRoute tears down an explicit route and lets whatever it
// suppressed come back
func (e *Engine) RemoveExplicitRoute(conn *node.Connection) {
	if conn == nil {
		return
	}

	e.removeExplicit(conn)
	e.MakeRouting()
}

func (e *Engine) removeExplicit(conn *node.Connection) {
	if e.registry.Connection(conn.ID) == conn {
		e.registry.RemoveConnection(conn.ID)
	}

	conn.State = node.DisconnectRequested
	if e.playsElsewhere(conn) {
		e.logger.Debugw("Stream plays through a newer connection, nothing to tear down", "connection", conn.String())
	} else if !e.linker.TeardownLink(conn.From, conn.To) {
		e.logger.Warnw("Failed to tear down explicit route", "connection", conn.String())
	}
	conn.State = node.ConnNone

	if e.explicit[conn.To.Key] > 1 {
		e.explicit[conn.To.Key]--
	} else {
		delete(e.explicit, conn.To.Key)
		e.setBlocked(conn.To.Key, false)
	}

	if !conn.Blocked {
		e.restoreSuperseded(conn)
	}

	e.logger.Debugw("Explicit route removed", "connection", conn.String())
}

// restoreSuperseded relinks the newest connections that conn had blocked,
// as long as no other live connection still holds their endpoints
func (e *Engine) restoreSuperseded(conn *node.Connection) {
	conns := e.registry.Connections()
	for i := len(conns) - 1; i >= 0; i-- {
		other := conns[i]
		if !other.Blocked || !conflicts(other, conn.From, conn.To) || e.superseded(other) {
			continue
		}
		other.Blocked = false
		if !e.linker.SetupLink(other.From, other.To, true) {
			e.logger.Warnw("Failed to restore superseded connection", "connection", other.String())
		}
	}
}

// playsElsewhere reports whether the stream of a blocked connection was
// moved on by a newer live connection
func (e *Engine) playsElsewhere(conn *node.Connection) bool {
	if !conn.Blocked || conn.From.Mux != nil {
		return false
	}
	for _, other := range e.registry.ConnectionsOf(conn.From) {
		if other != conn && other.From == conn.From && !other.Blocked {
			return true
		}
	}
	return false
}

// superseded reports whether a live connection other than c holds one of
// its endpoints
func (e *Engine) superseded(c *node.Connection) bool {
	for _, other := range e.registry.Connections() {
		if other != c && !other.Blocked && conflicts(other, c.From, c.To) {
			return true
		}
	}
	return false
}

// conflicts reports whether c competes with a route from from to to. Two
// routes into one output always do; two routes out of one stream do unless
// the stream is multiplexed.
func conflicts(c *node.Connection, from, to *node.Node) bool {
	if c.To == to {
		return true
	}
	return c.From == from && from.Mux == nil
}

// Target is the current default target of a stream
func (e *Engine) Target(n *node.Node) *node.Node {
	if n == nil {
		return nil
	}
	return e.routes[n.Key]
}

// Groups returns a snapshot of every group in declared order
func (e *Engine) Groups() []GroupInfo {
	result := make([]GroupInfo, 0, len(e.groups))
	for _, g := range e.groups {
		result = append(result, GroupInfo{Name: g.name, Entries: snapshot(g)})
	}
	return result
}

// Entries returns a snapshot of the members of a group
func (e *Engine) Entries(name string) ([]EntryInfo, error) {
	g := e.group(name)
	if g == nil {
		return nil, fmt.Errorf("group %q: %w", name, rerr.ErrNotFound)
	}
	return snapshot(g), nil
}

func snapshot(g *Group) []EntryInfo {
	result := make([]EntryInfo, 0, len(g.entries))
	for _, ent := range g.entries {
		result = append(result, EntryInfo{Node: ent.node, Blocked: ent.blocked, Stamp: ent.stamp})
	}
	return result
}

func (e *Engine) group(name string) *Group {
	for _, g := range e.groups {
		if g.name == name {
			return g
		}
	}
	return nil
}

// place puts a device in the first group accepting it, else in the group
// bound to its type
func (e *Engine) place(n *node.Node) {
	for _, g := range e.groups {
		if g.accept(g, n) {
			e.insert(g, n)
			return
		}
	}

	if g := e.group(e.classmap[n.Type]); g != nil {
		e.insert(g, n)
		return
	}

	e.logger.Debugw("No routing group for device", "node", n.Key, "type", n.Type.String())
}

// streamGroup is the group bound to the stream's class, else the first
// group accepting the stream
func (e *Engine) streamGroup(n *node.Node) *Group {
	if name, ok := e.classmap[n.Type]; ok {
		if g := e.group(name); g != nil {
			return g
		}
	}

	for _, g := range e.groups {
		if g.accept(g, n) {
			return g
		}
	}

	return nil
}

func (e *Engine) insert(g *Group, n *node.Node) {
	ent := &entry{
		group:   g.name,
		node:    n.Key,
		blocked: e.explicit[n.Key] > 0,
		stamp:   e.registry.Stamp(),
	}

	at := len(g.entries)
	for i, other := range g.entries {
		if on := e.registry.Find(other.node); on == nil || e.less(g, n, on) {
			at = i
			break
		}
	}

	g.entries = append(g.entries, nil)
	copy(g.entries[at+1:], g.entries[at:])
	g.entries[at] = ent

	e.members[n.Key] = g.name

	e.logger.Debugw("Device added to group", "group", g.name, "node", n.Key, "position", at)
}

func (e *Engine) remove(g *Group, key string) {
	for i, ent := range g.entries {
		if ent.node == key {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return
		}
	}
}

func (e *Engine) sortGroup(g *Group) {
	sort.SliceStable(g.entries, func(i, j int) bool {
		a := e.registry.Find(g.entries[i].node)
		b := e.registry.Find(g.entries[j].node)
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return e.less(g, a, b)
		}
	})
}

// less is the strict order within a group: the group's compare, then type
// priority, then creation order
func (e *Engine) less(g *Group, a, b *node.Node) bool {
	if c := g.compare(a, b); c != 0 {
		return c < 0
	}
	if pa, pb := e.priorities[a.Type], e.priorities[b.Type]; pa != pb {
		return pa > pb
	}
	return a.Seq() < b.Seq()
}

// active is the first unblocked entry touched in the given pass
func (e *Engine) active(g *Group, stamp uint32) *node.Node {
	for _, ent := range g.entries {
		if ent.blocked || ent.stamp != stamp {
			continue
		}
		if n := e.registry.Find(ent.node); n != nil {
			return n
		}
	}
	return nil
}

func (e *Engine) setBlocked(key string, blocked bool) {
	g := e.group(e.members[key])
	if g == nil {
		return
	}
	for _, ent := range g.entries {
		if ent.node == key {
			ent.blocked = blocked
		}
	}
}

func (e *Engine) explicitlyRouted(n *node.Node) bool {
	for _, c := range e.registry.ConnectionsOf(n) {
		if c.From == n {
			return true
		}
	}
	return false
}

func (e *Engine) orderedStreams() []*node.Node {
	ordered := append([]*node.Node(nil), e.streams...)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := e.priorities[ordered[i].Type], e.priorities[ordered[j].Type]
		if pi != pj {
			return pi > pj
		}
		return ordered[i].Seq() < ordered[j].Seq()
	})
	return ordered
}

func (e *Engine) dropStream(n *node.Node) {
	for i, s := range e.streams {
		if s == n {
			e.streams = append(e.streams[:i], e.streams[i+1:]...)
			break
		}
	}
	delete(e.routes, n.Key)
	delete(e.failed, n.Key)

	e.logger.Debugw("Dropped stream no longer in registry", "node", n.Key)
}

func (e *Engine) retryFailed() {
	for key := range e.failed {
		delete(e.failed, key)
	}
}

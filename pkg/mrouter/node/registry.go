package node

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
)

type liveKey struct {
	implement Implement
	direction Direction
	index     uint32
}

// Registry owns every known node and connection. It is not safe for
// concurrent use; all access happens on the router's event loop.
type Registry struct {
	logger *zap.SugaredLogger

	nodes   map[string]*Node
	byAmid  map[uint32]*Node
	byLive  map[liveKey]*Node
	conns   map[uint16]*Connection
	nextSeq uint64
	stamp   uint32
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		nodes:  make(map[string]*Node),
		byAmid: make(map[uint32]*Node),
		byLive: make(map[liveKey]*Node),
		conns:  make(map[uint16]*Connection),
	}
}

// Create adds n under its key and assigns its creation order. A node
// created with a live index is bound to it.
func (r *Registry) Create(n *Node) error {
	if n == nil || n.Key == "" {
		return fmt.Errorf("create node: %w", rerr.ErrInvalidArgument)
	}
	if _, exists := r.nodes[n.Key]; exists {
		return fmt.Errorf("create node %s: %w", n.Key, rerr.ErrConflict)
	}

	r.nextSeq++
	n.seq = r.nextSeq
	r.nodes[n.Key] = n

	if n.IsLive() {
		idx := n.LiveIndex
		n.LiveIndex = InvalidIndex
		r.BindLive(n, idx)
	}

	r.logger.Debugw("Node created", "node", n.String(), "seq", n.seq)

	return nil
}

// Destroy removes the node with key and releases its live binding. The
// authority map entry is left to the authority bridge, which has to send
// an unregistration first.
func (r *Registry) Destroy(key string) *Node {
	n, ok := r.nodes[key]
	if !ok {
		return nil
	}

	r.UnbindLive(n)
	delete(r.nodes, key)

	r.logger.Debugw("Node destroyed", "node", n.String())

	return n
}

func (r *Registry) Find(key string) *Node {
	return r.nodes[key]
}

// Contains reports whether n itself, not just its key, is still registered
func (r *Registry) Contains(n *Node) bool {
	return n != nil && r.nodes[n.Key] == n
}

// Nodes returns every node in creation order
func (r *Registry) Nodes() []*Node {
	result := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seq < result[j].seq })

	return result
}

func (r *Registry) Len() int {
	return len(r.nodes)
}

// InsertAuthority indexes n under its direction and authority id. A node
// previously indexed under the same key is displaced and returned.
func (r *Registry) InsertAuthority(n *Node) *Node {
	key := AuthorityKey(n.Direction, n.AuthorityID)
	prev := r.byAmid[key]
	r.byAmid[key] = n

	if prev != nil && prev != n {
		r.logger.Warnw("Authority key reused", "key", key, "previous", prev.String(), "node", n.String())
	}

	return prev
}

// RemoveAuthority drops and returns whatever is indexed under (direction, id)
func (r *Registry) RemoveAuthority(direction Direction, id uint16) *Node {
	key := AuthorityKey(direction, id)
	n, ok := r.byAmid[key]
	if !ok {
		return nil
	}
	delete(r.byAmid, key)

	return n
}

func (r *Registry) LookupAuthority(direction Direction, id uint16) *Node {
	return r.byAmid[AuthorityKey(direction, id)]
}

// AuthorityNodes returns every node of the id-indexed map, ordered by key
func (r *Registry) AuthorityNodes() []*Node {
	keys := make([]uint32, 0, len(r.byAmid))
	for k := range r.byAmid {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	result := make([]*Node, 0, len(keys))
	for _, k := range keys {
		result = append(result, r.byAmid[k])
	}
	return result
}

func (r *Registry) AuthorityLen() int {
	return len(r.byAmid)
}

// BindLive points n at live element index. Whatever other node was bound
// to the same element is retired (its live index is cleared) and returned,
// so no two nodes ever share a live element.
func (r *Registry) BindLive(n *Node, index uint32) *Node {
	r.UnbindLive(n)

	if index == InvalidIndex {
		return nil
	}

	key := liveKey{implement: n.Implement, direction: n.Direction, index: index}

	retired := r.byLive[key]
	if retired != nil && retired != n {
		retired.LiveIndex = InvalidIndex
		r.logger.Debugw("Retired node from live element",
			"node", retired.String(), "liveIndex", index, "newOwner", n.String())
	} else {
		retired = nil
	}

	r.byLive[key] = n
	n.LiveIndex = index

	return retired
}

// UnbindLive clears the live index of n
func (r *Registry) UnbindLive(n *Node) {
	if !n.IsLive() {
		return
	}

	key := liveKey{implement: n.Implement, direction: n.Direction, index: n.LiveIndex}
	if r.byLive[key] == n {
		delete(r.byLive, key)
	}
	n.LiveIndex = InvalidIndex
}

// LiveOwner returns the node bound to a live element
func (r *Registry) LiveOwner(implement Implement, direction Direction, index uint32) *Node {
	return r.byLive[liveKey{implement: implement, direction: direction, index: index}]
}

// AddConnection records c under its id. At most one connection lives per id.
func (r *Registry) AddConnection(c *Connection) error {
	if _, exists := r.conns[c.ID]; exists {
		return fmt.Errorf("connection %d: %w", c.ID, rerr.ErrConflict)
	}
	r.conns[c.ID] = c

	return nil
}

func (r *Registry) RemoveConnection(id uint16) *Connection {
	c, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)

	return c
}

func (r *Registry) Connection(id uint16) *Connection {
	return r.conns[id]
}

// Connections returns every connection ordered by id
func (r *Registry) Connections() []*Connection {
	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result
}

// ConnectionsOf returns the connections n takes part in
func (r *Registry) ConnectionsOf(n *Node) []*Connection {
	var result []*Connection
	for _, c := range r.Connections() {
		if c.From == n || c.To == n {
			result = append(result, c)
		}
	}
	return result
}

// NextStamp advances and returns the routing pass counter
func (r *Registry) NextStamp() uint32 {
	r.stamp++
	return r.stamp
}

// Stamp is the counter of the latest routing pass
func (r *Registry) Stamp() uint32 {
	return r.stamp
}

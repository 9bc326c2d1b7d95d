// Package node holds the routable endpoints, the authority connections
// between them, and the registry that owns both.
package node

import (
	"fmt"

	"github.com/MixyLabs/mrouter/pkg/mrouter/topology"
)

const (
	// InvalidID marks a node or connection without an authority id
	InvalidID uint16 = 0xFFFF

	// InvalidIndex marks a node not attached to a live element
	InvalidIndex = topology.Invalid
)

// CardRef names the card a device belongs to and the profile it needs
type CardRef struct {
	Index   uint32
	Profile string
}

// Node is a routable endpoint, a stream or a device
type Node struct {
	// Key is locally unique and is what registration requests carry
	Key string
	// Name is the display name handed to the authority
	Name string
	// LiveName is the sink or source name on the audio server
	LiveName string

	Direction Direction
	Implement Implement
	Type      Type
	Location  Location
	Privacy   Privacy
	Visible   bool
	Channels  int

	AuthorityID uint16
	State       RegState

	LiveIndex uint32
	Port      string
	Card      CardRef
	Mux       *topology.Multiplex

	seq uint64
}

// New returns a node with no authority id and no live element
func New(key string, direction Direction, implement Implement, typ Type) *Node {
	return &Node{
		Key:         key,
		Name:        key,
		Direction:   direction,
		Implement:   implement,
		Type:        typ,
		Visible:     true,
		AuthorityID: InvalidID,
		LiveIndex:   InvalidIndex,
		Card:        CardRef{Index: InvalidIndex},
	}
}

// Seq is the creation order assigned by the registry
func (n *Node) Seq() uint64 {
	return n.seq
}

func (n *Node) HasAuthorityID() bool {
	return n.AuthorityID != InvalidID
}

func (n *Node) IsLive() bool {
	return n.LiveIndex != InvalidIndex
}

// IsStream reports whether n is an application stream feeding the graph
func (n *Node) IsStream() bool {
	return n.Direction == Input && n.Implement == Stream
}

// IsSinkDevice reports whether n is an output device
func (n *Node) IsSinkDevice() bool {
	return n.Direction == Output && n.Implement == Device
}

func (n *Node) String() string {
	return fmt.Sprintf("%s '%s' (%s %s %s)", n.Key, n.Name, n.Direction, n.Implement, n.Type)
}

// AuthorityKey combines direction and authority id into the lookup key of
// the id-indexed map
func AuthorityKey(direction Direction, id uint16) uint32 {
	return uint32(direction)<<16 | uint32(id)
}

// Connection is an explicit route requested by the authority
type Connection struct {
	ID      uint16
	Blocked bool
	State   ConnState
	From    *Node
	To      *Node
	// Stream is the live element being moved
	Stream uint32
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection %d: %s => %s", c.ID, c.From.Key, c.To.Key)
}

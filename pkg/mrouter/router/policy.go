package router

import (
	"fmt"
	"strings"

	"github.com/thoas/go-funk"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
)

// AcceptFunc decides whether a node belongs to a group. It must not mutate
// anything.
type AcceptFunc func(g *Group, n *node.Node) bool

// CompareFunc orders two members of a group. A negative result puts a
// ahead of b.
type CompareFunc func(a, b *node.Node) int

// DefaultAccept takes every device class except the Bluetooth carkit
func DefaultAccept(_ *Group, n *node.Node) bool {
	return n.Type.IsDeviceClass() && n.Type != node.BluetoothCarkit
}

var phoneRejects = []node.Type{
	node.BluetoothA2dp,
	node.Spdif,
	node.Jack,
	node.BluetoothSource,
	node.BluetoothSink,
	node.BluetoothCarkit,
}

// PhoneAccept takes the device classes a call can be held on
func PhoneAccept(_ *Group, n *node.Node) bool {
	return n.Type.IsDeviceClass() && !funk.Contains(phoneRejects, n.Type)
}

// AcceptTypes builds a predicate taking exactly the listed types
func AcceptTypes(types ...node.Type) AcceptFunc {
	accepted := append([]node.Type(nil), types...)

	return func(_ *Group, n *node.Node) bool {
		return funk.Contains(accepted, n.Type)
	}
}

// DefaultCompare ranks by channel count, then privacy, then location, then
// device class
func DefaultCompare(a, b *node.Node) int {
	return compareRank(defaultRank(b), defaultRank(a))
}

// PhoneCompare ranks private devices first, then by device class
func PhoneCompare(a, b *node.Node) int {
	return compareRank(phoneRank(b), phoneRank(a))
}

func defaultRank(n *node.Node) uint32 {
	p := ((((uint32(n.Channels)&31)<<5)+uint32(n.Privacy))<<2) + (uint32(n.Location) & 3)
	return (p << 8) + n.Type.DeviceOrdinal()
}

func phoneRank(n *node.Node) uint32 {
	return ((uint32(n.Privacy) & 3) << 8) + n.Type.DeviceOrdinal()
}

func compareRank(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

var (
	acceptPolicies = map[string]AcceptFunc{
		"default": DefaultAccept,
		"phone":   PhoneAccept,
	}
	comparePolicies = map[string]CompareFunc{
		"default": DefaultCompare,
		"phone":   PhoneCompare,
	}
)

// ParseAccept resolves an accept policy by name: "default", "phone" or
// "types:<type>,<type>..."
func ParseAccept(name string) (AcceptFunc, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultAccept, nil
	}

	if list, ok := strings.CutPrefix(name, "types:"); ok {
		var types []node.Type
		for _, typeName := range strings.Split(list, ",") {
			typ, ok := node.ParseType(typeName)
			if !ok {
				return nil, fmt.Errorf("accept policy %q: unknown type %q: %w", name, typeName, rerr.ErrInvalidArgument)
			}
			types = append(types, typ)
		}
		return AcceptTypes(types...), nil
	}

	if accept, ok := acceptPolicies[name]; ok {
		return accept, nil
	}

	return nil, fmt.Errorf("accept policy %q: %w", name, rerr.ErrInvalidArgument)
}

// ParseCompare resolves a compare policy by name
func ParseCompare(name string) (CompareFunc, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultCompare, nil
	}

	if compare, ok := comparePolicies[name]; ok {
		return compare, nil
	}

	return nil, fmt.Errorf("compare policy %q: %w", name, rerr.ErrInvalidArgument)
}

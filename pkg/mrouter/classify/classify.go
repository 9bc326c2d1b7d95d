// Package classify derives node types, locations and privacy from what the
// audio server tells about cards, ports and streams.
package classify

import (
	"strings"

	"github.com/thoas/go-funk"

	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
)

// Property names used by the audio server
const (
	PropDeviceBus         = "device.bus"
	PropFormFactor        = "device.form_factor"
	PropNodeType          = "node.type"
	PropMediaRole         = "media.role"
	PropProcessBinary     = "application.process.binary"
	PropProcessID         = "application.process.id"
	PropApplicationName   = "application.name"
	PropMediaName         = "media.name"
	PropDeviceDescription = "device.description"
)

// Card is what classification needs to know about a device's card
type Card struct {
	Name       string
	Bus        string
	FormFactor string
	Profile    string
}

// Port is a device port
type Port struct {
	Name        string
	Description string
}

// CardBus returns the bus of a card, from its properties or else from the
// naming convention of the audio server
func CardBus(name string, props map[string]string) string {
	if bus := props[PropDeviceBus]; bus != "" {
		return bus
	}

	switch {
	case strings.HasPrefix(name, "bluez_card."):
		return "bluetooth"
	case strings.HasPrefix(name, "alsa_card.pci"):
		return "pci"
	case strings.HasPrefix(name, "alsa_card.usb"):
		return "usb"
	case strings.HasPrefix(name, "alsa_card.platform"):
		return "platform"
	}

	return ""
}

// ByCard sets type, location, privacy and, unless already set, the display
// name of a device node. port may be nil.
func ByCard(n *node.Node, card Card, port *Port) {
	bus := strings.ToLower(card.Bus)
	form := strings.ToLower(card.FormFactor)

	n.Type = node.TypeUnknown

	if form != "" {
		switch form {
		case "internal":
			n.Location = node.External
			if port != nil && bus == "pci" {
				GuessDeviceType(n, port.Name, port.Description)
			}

		case "speaker", "car":
			if n.Direction == node.Output {
				n.Location = node.Internal
				n.Type = node.Speakers
			}

		case "handset":
			n.Location = node.External
			n.Type = node.Phone

		case "headset":
			n.Location = node.External
			switch bus {
			case "":
			case "usb":
				n.Type = node.UsbHeadset
			case "bluetooth":
				if card.Profile == "a2dp" {
					n.Type = node.BluetoothA2dp
				} else {
					n.Type = node.BluetoothSco
				}
			default:
				n.Type = node.WiredHeadset
			}

		case "headphone":
			if n.Direction == node.Output {
				n.Location = node.External
				switch bus {
				case "", "bluetooth":
				case "usb":
					n.Type = node.UsbHeadphone
				default:
					n.Type = node.WiredHeadphone
				}
			}

		case "microphone":
			if n.Direction == node.Input {
				n.Location = node.External
				n.Type = node.Microphone
			}
		}
	} else if port != nil && bus == "pci" {
		GuessDeviceType(n, port.Name, port.Description)
	} else if bus == "bluetooth" {
		n.Type = bluetoothProfiles[card.Profile]
	}

	if n.Name == "" {
		switch {
		case n.Type != node.TypeUnknown:
			n.Name = n.Type.String()
		case port != nil && port.Description != "":
			n.Name = port.Description
		case port != nil && port.Name != "":
			n.Name = port.Name
		default:
			n.Name = n.LiveName
		}
	}

	n.Privacy = PrivacyOf(n.Direction, n.Type)
}

var bluetoothProfiles = map[string]node.Type{
	"a2dp":        node.BluetoothA2dp,
	"hsp":         node.BluetoothSco,
	"hfgw":        node.BluetoothCarkit,
	"a2dp_source": node.BluetoothSource,
	"a2dp_sink":   node.BluetoothSink,
}

var (
	privateTypes = []node.Type{
		node.Phone, node.WiredHeadset, node.WiredHeadphone, node.UsbHeadset,
		node.UsbHeadphone, node.BluetoothSco, node.BluetoothA2dp,
	}
	undisclosedTypes = []node.Type{
		node.Null, node.Jack, node.Spdif, node.HDMI, node.BluetoothSink,
	}
)

// PrivacyOf tells whether others can hear what an output of typ plays.
// Inputs have no privacy.
func PrivacyOf(direction node.Direction, typ node.Type) node.Privacy {
	if direction == node.Input {
		return node.PrivacyUnknown
	}

	switch {
	case funk.Contains(privateTypes, typ):
		return node.Private
	case funk.Contains(undisclosedTypes, typ):
		return node.PrivacyUnknown
	default:
		return node.Public
	}
}

var propertyTypes = map[string]node.Type{
	"speakers":       node.Speakers,
	"front-speakers": node.FrontSpeakers,
	"rear-speakers":  node.RearSpeakers,
	"microphone":     node.Microphone,
	"jack":           node.Jack,
	"hdmi":           node.HDMI,
	"spdif":          node.Spdif,
}

// ByProperty takes the type from an explicit node.type property. It reports
// whether the property was present and known.
func ByProperty(n *node.Node, props map[string]string) bool {
	typ, ok := propertyTypes[props[PropNodeType]]
	if ok {
		n.Type = typ
	}
	return ok
}

// GuessDeviceType derives the type from a port name. Recognized ports also
// give the node its display name.
func GuessDeviceType(n *node.Node, name, description string) {
	lower := strings.ToLower(name)
	has := func(s string) bool { return strings.Contains(lower, s) }

	named := true

	switch {
	case n.Direction == node.Output && has("headphone"):
		n.Type = node.WiredHeadphone
	case has("headset"):
		n.Type = node.WiredHeadset
	case has("line"):
		n.Type = node.Jack
	case has("spdif"):
		n.Type = node.Spdif
	case has("hdmi"):
		n.Type = node.HDMI
	case n.Direction == node.Input && has("microphone"):
		n.Type = node.Microphone
	case n.Direction == node.Output && has("analog-output"):
		n.Type = node.Speakers
		named = false
	case n.Direction == node.Input && has("analog-input"):
		n.Type = node.Jack
		named = false
	default:
		n.Type = node.TypeUnknown
		named = false
	}

	if named && description != "" {
		n.Name = description
	}
}

// StreamTypes maps process binaries and media roles to application classes
type StreamTypes struct {
	Binaries map[string]node.Type
	Roles    map[string]node.Type
}

// GuessStreamType classifies a stream by its binary, then its role. A
// stream without a role is a player; one with an unmapped role is unknown.
func (s StreamTypes) GuessStreamType(props map[string]string) node.Type {
	if bin := props[PropProcessBinary]; bin != "" {
		if typ, ok := s.Binaries[bin]; ok {
			return typ
		}
	}

	role, hasRole := props[PropMediaRole]
	if hasRole && role != "" {
		if typ, ok := s.Roles[role]; ok {
			return typ
		}
		return node.TypeUnknown
	}

	return node.Player
}

// ApplicationClass is the class a node's audio belongs to when routed
func ApplicationClass(n *node.Node) node.Type {
	if n.Implement == node.Stream {
		return n.Type
	}
	if n.Direction == node.Output {
		return node.TypeUnknown
	}

	switch n.Type {
	case node.BluetoothCarkit:
		return node.Phone
	case node.BluetoothSource:
		return node.Player
	default:
		return node.TypeUnknown
	}
}

var multiplexClasses = []node.Type{node.Player, node.Game}

// MultiplexStream reports whether a stream should feed a multiplex element
// so it can be routed to several outputs at once
func MultiplexStream(n *node.Node) bool {
	if !n.IsStream() || !n.Type.IsApplicationClass() {
		return false
	}
	return funk.Contains(multiplexClasses, n.Type)
}

// LoopbackRole is the media role of the loopback stream an input device
// needs to be routed like an application, empty if none
func LoopbackRole(n *node.Node) string {
	if n.Implement != node.Device {
		return ""
	}

	switch n.Type {
	case node.BluetoothCarkit:
		return "phone"
	case node.BluetoothSource:
		return "music"
	default:
		return ""
	}
}

package node

import (
	"strings"
)

type Direction int

const (
	DirectionUnknown Direction = iota
	Input
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

type Implement int

const (
	ImplementUnknown Implement = iota
	Stream
	Device
)

func (i Implement) String() string {
	switch i {
	case Stream:
		return "stream"
	case Device:
		return "device"
	default:
		return "unknown"
	}
}

type Location int

const (
	LocationUnknown Location = iota
	Internal
	External
)

func (l Location) String() string {
	switch l {
	case Internal:
		return "internal"
	case External:
		return "external"
	default:
		return "unknown"
	}
}

type Privacy int

const (
	PrivacyUnknown Privacy = iota
	Public
	Private
)

func (p Privacy) String() string {
	switch p {
	case Public:
		return "public"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

// Type is the semantic class of a node. Application classes describe
// streams, device classes describe sinks and sources.
type Type int

const (
	TypeUnknown Type = 0

	// application classes
	Radio     Type = 1
	Player    Type = 2
	Navigator Type = 3
	Game      Type = 4
	Browser   Type = 5
	Phone     Type = 6
	Event     Type = 7

	applicationClassBegin = Radio
	applicationClassEnd   = Event + 1

	// device classes
	Null            Type = 128
	Speakers        Type = 129
	FrontSpeakers   Type = 130
	RearSpeakers    Type = 131
	Microphone      Type = 132
	Jack            Type = 133
	Spdif           Type = 134
	HDMI            Type = 135
	WiredHeadset    Type = 136
	WiredHeadphone  Type = 137
	UsbHeadset      Type = 138
	UsbHeadphone    Type = 139
	BluetoothSco    Type = 140
	BluetoothA2dp   Type = 141
	BluetoothCarkit Type = 142
	BluetoothSource Type = 143
	BluetoothSink   Type = 144

	deviceClassBegin = Null
	deviceClassEnd   = BluetoothSink + 1

	// UserDefined is the first value available to configuration defined types
	UserDefined Type = 256
)

var typeNames = map[Type]string{
	TypeUnknown:     "unknown",
	Radio:           "radio",
	Player:          "player",
	Navigator:       "navigator",
	Game:            "game",
	Browser:         "browser",
	Phone:           "phone",
	Event:           "event",
	Null:            "null",
	Speakers:        "speakers",
	FrontSpeakers:   "front-speakers",
	RearSpeakers:    "rear-speakers",
	Microphone:      "microphone",
	Jack:            "jack",
	Spdif:           "spdif",
	HDMI:            "hdmi",
	WiredHeadset:    "wired-headset",
	WiredHeadphone:  "wired-headphone",
	UsbHeadset:      "usb-headset",
	UsbHeadphone:    "usb-headphone",
	BluetoothSco:    "bluetooth-sco",
	BluetoothA2dp:   "bluetooth-a2dp",
	BluetoothCarkit: "bluetooth-carkit",
	BluetoothSource: "bluetooth-source",
	BluetoothSink:   "bluetooth-sink",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "user-defined"
}

// IsApplicationClass reports whether t classifies a stream
func (t Type) IsApplicationClass() bool {
	return t >= applicationClassBegin && t < applicationClassEnd
}

// IsDeviceClass reports whether t classifies a sink or a source
func (t Type) IsDeviceClass() bool {
	return t >= deviceClassBegin && t < deviceClassEnd
}

// DeviceOrdinal is the position of t among device classes, used by the
// comparison policies
func (t Type) DeviceOrdinal() uint32 {
	return uint32(t-deviceClassBegin) & 0xff
}

// ParseType resolves a type name as written in configuration. "speaker" is
// accepted as an alias of "speakers".
func ParseType(name string) (Type, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "speaker" {
		return Speakers, true
	}

	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}

	return TypeUnknown, false
}

// RegState is the authority registration state of a node
type RegState int

const (
	Unregistered RegState = iota
	RegistrationPending
	Registered
	UnregistrationPending
)

func (s RegState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case RegistrationPending:
		return "registration-pending"
	case Registered:
		return "registered"
	case UnregistrationPending:
		return "unregistration-pending"
	default:
		return "unknown"
	}
}

// ConnState is the lifecycle state of an authority connection
type ConnState int

const (
	ConnNone ConnState = iota
	ConnectRequested
	Connected
	DisconnectRequested
)

func (s ConnState) String() string {
	switch s {
	case ConnectRequested:
		return "connect-requested"
	case Connected:
		return "connected"
	case DisconnectRequested:
		return "disconnect-requested"
	default:
		return "none"
	}
}

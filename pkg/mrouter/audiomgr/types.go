package audiomgr

import "fmt"

// Method names an authority call
type Method string

const (
	MethodRegisterDomain   Method = "register_domain"
	MethodDomainComplete   Method = "domain_complete"
	MethodDeregisterDomain Method = "deregister_domain"
	MethodRegisterSink     Method = "register_sink"
	MethodRegisterSource   Method = "register_source"
	MethodDeregisterSink   Method = "deregister_sink"
	MethodDeregisterSource Method = "deregister_source"
	MethodConnectAck       Method = "ack_connect"
	MethodDisconnectAck    Method = "ack_disconnect"

	MethodDomainRegistered Method = "domain_registered"
	MethodNodeRegistered   Method = "node_registered"
	MethodNodeUnregistered Method = "node_unregistered"
	MethodConnect          Method = "connect"
	MethodDisconnect       Method = "disconnect"
)

// DomainState is the authority's view of this participant
type DomainState uint16

const (
	DomainUnknown    DomainState = 0
	DomainControlled DomainState = 1
	DomainRundown    DomainState = 2
	DomainDown       DomainState = 255
)

func (s DomainState) String() string {
	switch s {
	case DomainUnknown:
		return "unknown"
	case DomainControlled:
		return "controlled"
	case DomainRundown:
		return "rundown"
	case DomainDown:
		return "down"
	default:
		return fmt.Sprintf("state(%d)", uint16(s))
	}
}

// ErrorCode is returned to the authority in acknowledgments
type ErrorCode uint16

const (
	ErrorOK            ErrorCode = 0
	ErrorUnknown       ErrorCode = 1
	ErrorOutOfRange    ErrorCode = 2
	ErrorNotUsed       ErrorCode = 3
	ErrorDatabaseError ErrorCode = 4
	ErrorAlreadyExists ErrorCode = 5
	ErrorNoChange      ErrorCode = 6
	ErrorNotPossible   ErrorCode = 7
	ErrorNonExistent   ErrorCode = 8
	ErrorAborted       ErrorCode = 9
	ErrorWrongFormat   ErrorCode = 10
)

var errorCodeNames = map[ErrorCode]string{
	ErrorOK:            "OK",
	ErrorUnknown:       "UNKNOWN",
	ErrorOutOfRange:    "OUT_OF_RANGE",
	ErrorNotUsed:       "NOT_USED",
	ErrorDatabaseError: "DATABASE_ERROR",
	ErrorAlreadyExists: "ALREADY_EXISTS",
	ErrorNoChange:      "NO_CHANGE",
	ErrorNotPossible:   "NOT_POSSIBLE",
	ErrorNonExistent:   "NON_EXISTENT",
	ErrorAborted:       "ABORTED",
	ErrorWrongFormat:   "WRONG_FORMAT",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("E_%d", uint16(c))
}

// Fixed values of node registrations
const (
	nodeClass     = 0x43
	defaultVolume = 32767

	availableStatus = 1 // AS_AVAILABLE
	interruptOff    = 1 // IS_OFF
	muteOff         = 2 // MS_UNMUTED
)

type DomainRegistration struct {
	DomainID uint16 `json:"domain_id"`
	Name     string `json:"name"`
	BusName  string `json:"bus_name"`
	NodeName string `json:"node_name"`
	Early    bool   `json:"early"`
	Complete bool   `json:"complete"`
	State    uint16 `json:"state"`
}

type Availability struct {
	Status uint16 `json:"status"`
	Reason uint16 `json:"reason"`
}

type NodeRegistration struct {
	Key        string       `json:"key"`
	Name       string       `json:"name"`
	Domain     uint16       `json:"domain"`
	Class      uint16       `json:"class"`
	Volume     uint16       `json:"volume"`
	MainVolume uint16       `json:"main_volume"`
	Visible    bool         `json:"visible"`
	Avail      Availability `json:"availability"`
	// Mute is sent for outputs only
	Mute uint16 `json:"mute,omitempty"`
	// Interrupt is sent for inputs only
	Interrupt uint16 `json:"interrupt,omitempty"`
}

type NodeUnregistration struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

// Ack answers a connect or disconnect request
type Ack struct {
	Handle     uint16    `json:"handle"`
	Connection uint16    `json:"connection"`
	Error      ErrorCode `json:"error"`
}

type DomainRegistered struct {
	ID    uint16      `json:"id"`
	State DomainState `json:"state"`
}

type NodeRegistered struct {
	ID    uint16 `json:"id"`
	State uint16 `json:"state"`
	Key   string `json:"key"`
}

type NodeUnregistered struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

type ConnectRequest struct {
	Handle     uint16 `json:"handle"`
	Connection uint16 `json:"connection"`
	Source     uint16 `json:"source"`
	Sink       uint16 `json:"sink"`
	Format     int32  `json:"format,omitempty"`
}

type DisconnectRequest struct {
	Handle     uint16 `json:"handle"`
	Connection uint16 `json:"connection"`
}

// Domain is this participant's registration with the authority
type Domain struct {
	ID    uint16
	Name  string
	State DomainState
}

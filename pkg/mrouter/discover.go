package mrouter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"

	"github.com/MixyLabs/mrouter/pkg/mrouter/classify"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
	"github.com/MixyLabs/mrouter/pkg/mrouter/topology"
)

// muxPrefix names the fan-in sinks of multiplexed streams
const muxPrefix = "mrouter.mux."

// NodeUpdate is a change of the audio server's node set
type NodeUpdate struct {
	Added   []*node.Node
	Removed []string
}

// Discoverer finds the nodes of the audio server and follows them
type Discoverer interface {
	Nodes() ([]*node.Node, error)
	Updates() <-chan NodeUpdate
	Release() error
}

// enumerator is a topology that can list its sinks and streams
type enumerator interface {
	Sinks() ([]*topology.Device, error)
	Streams() ([]*topology.SinkInput, error)
	Card(index uint32) (*topology.Card, error)
}

// enumerate lists the nodes of everything present right now
func enumerate(
	src enumerator,
	nullSink string,
	streams classify.StreamTypes,
	binaryOf func(pid int) string,
	sinkNodes func(sink *topology.Device) []*node.Node,
) ([]*node.Node, error) {
	sinks, err := src.Sinks()
	if err != nil {
		return nil, fmt.Errorf("enumerate sinks: %w", err)
	}

	var nodes []*node.Node
	for _, sink := range sinks {
		nodes = append(nodes, sinkNodes(sink)...)
	}

	inputs, err := src.Streams()
	if err != nil {
		return nil, fmt.Errorf("enumerate sink inputs: %w", err)
	}

	for _, si := range inputs {
		if n := streamNode(si, streams, binaryOf); n != nil {
			nodes = append(nodes, n)
		}
	}

	return nodes, nil
}

// memoryDiscoverer lists an in-memory topology once. It never reports
// updates since nothing changes a dry run's graph behind its back.
type memoryDiscoverer struct {
	mem      *topology.Memory
	nullSink string
	streams  classify.StreamTypes
}

func (md *memoryDiscoverer) Nodes() ([]*node.Node, error) {
	return enumerate(md.mem, md.nullSink, md.streams, nil, func(sink *topology.Device) []*node.Node {
		return deviceNodes(sink, cardOf(md.mem, sink), md.nullSink)
	})
}

func (md *memoryDiscoverer) Updates() <-chan NodeUpdate {
	return nil
}

func (md *memoryDiscoverer) Release() error {
	return nil
}

func cardOf(src enumerator, sink *topology.Device) *topology.Card {
	if sink.CardIndex == topology.Invalid {
		return nil
	}
	card, err := src.Card(sink.CardIndex)
	if err != nil {
		return nil
	}
	return card
}

type pulseEvent struct {
	facility proto.SubscriptionEventType
	kind     proto.SubscriptionEventType
	index    uint32
}

type pulseDiscoverer struct {
	logger *zap.SugaredLogger
	pulse  *topology.Pulse

	nullSink string
	streams  classify.StreamTypes

	// keys of the nodes created per sink
	lock     sync.Mutex
	sinkKeys map[uint32][]string

	events  chan pulseEvent
	updates chan NodeUpdate
	stop    chan bool
}

func newPulseDiscoverer(
	logger *zap.SugaredLogger,
	pulse *topology.Pulse,
	nullSink string,
	streams classify.StreamTypes,
) (*pulseDiscoverer, error) {
	pd := &pulseDiscoverer{
		logger:   logger.Named("discover"),
		pulse:    pulse,
		nullSink: nullSink,
		streams:  streams,
		sinkKeys: make(map[uint32][]string),
		events:   make(chan pulseEvent, 32),
		updates:  make(chan NodeUpdate, 8),
		stop:     make(chan bool),
	}

	client := pulse.Client()

	// the callback runs on the protocol reader, requests must not be made from it
	client.Callback = func(msg interface{}) {
		ev, ok := msg.(*proto.SubscribeEvent)
		if !ok {
			return
		}

		facility := ev.Event & proto.EventFacilityMask
		if facility != proto.EventSink && facility != proto.EventSinkSinkInput {
			return
		}

		select {
		case pd.events <- pulseEvent{facility: facility, kind: ev.Event.GetType(), index: ev.Index}:
		default:
			pd.logger.Warnw("Dropping audio server event, queue full", "index", ev.Index)
		}
	}

	mask := proto.SubscriptionMaskSink | proto.SubscriptionMaskSinkInput
	if err := client.Request(&proto.Subscribe{Mask: mask}, nil); err != nil {
		return nil, fmt.Errorf("subscribe to PulseAudio sink and sink input events: %w", err)
	}

	go pd.run()

	pd.logger.Debug("Created PA discoverer instance")

	return pd, nil
}

func (pd *pulseDiscoverer) Nodes() ([]*node.Node, error) {
	return enumerate(pd.pulse, pd.nullSink, pd.streams, processBinary, pd.sinkNodes)
}

func (pd *pulseDiscoverer) Updates() <-chan NodeUpdate {
	return pd.updates
}

func (pd *pulseDiscoverer) Release() error {
	pd.pulse.Client().Callback = nil
	close(pd.stop)

	pd.logger.Debug("Released PA discoverer instance")

	return nil
}

func (pd *pulseDiscoverer) run() {
	for {
		select {
		case <-pd.stop:
			return
		case ev := <-pd.events:
			if update, ok := pd.handle(ev); ok {
				pd.updates <- update
			}
		}
	}
}

func (pd *pulseDiscoverer) handle(ev pulseEvent) (NodeUpdate, bool) {
	switch {
	case ev.facility == proto.EventSink && ev.kind == proto.EventNew:
		sink, err := pd.pulse.Sink(ev.index)
		if err != nil {
			pd.logger.Warnw("Failed to get new sink", "index", ev.index, "error", err)
			return NodeUpdate{}, false
		}
		return NodeUpdate{Added: pd.sinkNodes(sink)}, true

	case ev.facility == proto.EventSink && ev.kind == proto.EventRemove:
		pd.lock.Lock()
		keys := pd.sinkKeys[ev.index]
		delete(pd.sinkKeys, ev.index)
		pd.lock.Unlock()
		return NodeUpdate{Removed: keys}, len(keys) > 0

	case ev.facility == proto.EventSinkSinkInput && ev.kind == proto.EventNew:
		si, err := pd.pulse.SinkInput(ev.index)
		if err != nil {
			pd.logger.Warnw("Failed to get new sink input", "index", ev.index, "error", err)
			return NodeUpdate{}, false
		}
		n := streamNode(si, pd.streams, processBinary)
		if n == nil {
			return NodeUpdate{}, false
		}
		return NodeUpdate{Added: []*node.Node{n}}, true

	case ev.facility == proto.EventSinkSinkInput && ev.kind == proto.EventRemove:
		return NodeUpdate{Removed: []string{streamKey(ev.index)}}, true
	}

	return NodeUpdate{}, false
}

func (pd *pulseDiscoverer) sinkNodes(sink *topology.Device) []*node.Node {
	nodes := deviceNodes(sink, cardOf(pd.pulse, sink), pd.nullSink)

	keys := make([]string, 0, len(nodes))
	for _, n := range nodes {
		keys = append(keys, n.Key)
	}
	if len(keys) > 0 {
		pd.lock.Lock()
		pd.sinkKeys[sink.Index] = keys
		pd.lock.Unlock()
	}

	return nodes
}

func deviceKey(sink *topology.Device, port string) string {
	if port == "" {
		return "sink." + sink.Name
	}
	return "sink." + sink.Name + "." + port
}

func streamKey(index uint32) string {
	return "stream." + strconv.FormatUint(uint64(index), 10)
}

// deviceNodes makes one output node per port of sink. Only the node of the
// active port is bound to the sink; the others get it once their port is
// selected. The fallback sink and fan-in sinks are not routing targets.
func deviceNodes(sink *topology.Device, card *topology.Card, nullSink string) []*node.Node {
	if sink.Name == nullSink || strings.HasPrefix(sink.Name, muxPrefix) {
		return nil
	}

	cc := classify.Card{
		Bus:        classify.CardBus("", sink.Properties),
		FormFactor: sink.Properties[classify.PropFormFactor],
	}
	if card != nil {
		cc.Name = card.Name
		cc.Bus = classify.CardBus(card.Name, card.Properties)
		cc.Profile = card.ActiveProfile
		if ff := card.Properties[classify.PropFormFactor]; ff != "" {
			cc.FormFactor = ff
		}
	}

	ports := sink.Ports
	if len(ports) == 0 {
		ports = []string{""}
	}

	nodes := make([]*node.Node, 0, len(ports))
	for _, port := range ports {
		n := node.New(deviceKey(sink, port), node.Output, node.Device, node.TypeUnknown)
		n.Name = ""
		n.LiveName = sink.Name
		n.Port = port
		n.Card = node.CardRef{Index: sink.CardIndex, Profile: cc.Profile}

		if port == "" || port == sink.ActivePort {
			n.LiveIndex = sink.Index
		}

		var p *classify.Port
		if port != "" {
			p = &classify.Port{Name: port}
		}
		classify.ByCard(n, cc, p)

		if classify.ByProperty(n, sink.Properties) {
			n.Privacy = classify.PrivacyOf(n.Direction, n.Type)
		}

		nodes = append(nodes, n)
	}

	return nodes
}

// streamNode makes an input node for an application's sink input. Sink
// inputs owned by a server module, loopbacks included, are skipped.
func streamNode(si *topology.SinkInput, types classify.StreamTypes, binaryOf func(pid int) string) *node.Node {
	if si.ModuleIndex != topology.Invalid {
		return nil
	}

	props := si.Properties
	if props[classify.PropProcessBinary] == "" && binaryOf != nil {
		if pid, err := strconv.Atoi(props[classify.PropProcessID]); err == nil {
			if bin := binaryOf(pid); bin != "" {
				props = copyProps(props)
				props[classify.PropProcessBinary] = bin
			}
		}
	}

	n := node.New(streamKey(si.Index), node.Input, node.Stream, types.GuessStreamType(props))
	n.LiveIndex = si.Index
	n.Location = node.Internal

	switch {
	case props[classify.PropApplicationName] != "":
		n.Name = props[classify.PropApplicationName]
	case props[classify.PropProcessBinary] != "":
		n.Name = props[classify.PropProcessBinary]
	case props[classify.PropMediaName] != "":
		n.Name = props[classify.PropMediaName]
	}

	return n
}

// processBinary resolves the executable of a process
func processBinary(pid int) string {
	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return ""
	}
	return process.Executable()
}

func copyProps(props map[string]string) map[string]string {
	result := make(map[string]string, len(props)+1)
	for k, v := range props {
		result[k] = v
	}
	return result
}

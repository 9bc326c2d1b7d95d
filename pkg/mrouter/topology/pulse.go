package topology

import (
	"fmt"
	"net"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
)

const (
	nullSinkModule = "module-null-sink"
	loopbackModule = "module-loopback"
)

// Pulse talks to a PulseAudio (or pipewire-pulse) server over its native protocol
type Pulse struct {
	muxOps

	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	nullSink string
}

func NewPulse(logger *zap.SugaredLogger, server string, nullSink string) (*Pulse, error) {
	logger = logger.Named("topology")

	client, conn, err := proto.Connect(server)
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("mrouter"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	p := &Pulse{
		logger:   logger,
		client:   client,
		conn:     conn,
		nullSink: nullSink,
	}
	p.muxOps = muxOps{backend: p}

	logger.Debug("Created PA topology instance")

	return p, nil
}

// Client exposes the protocol client so discovery can share the connection
func (p *Pulse) Client() *proto.Client {
	return p.client
}

func (p *Pulse) Release() error {
	if err := p.conn.Close(); err != nil {
		p.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	p.logger.Debug("Released PA topology instance")

	return nil
}

func (p *Pulse) Sink(index uint32) (*Device, error) {
	reply := proto.GetSinkInfoReply{}
	if err := p.client.Request(&proto.GetSinkInfo{SinkIndex: index}, &reply); err != nil {
		return nil, fmt.Errorf("get sink.%d info: %w: %v", index, rerr.ErrNotFound, err)
	}
	return sinkFromReply(&reply), nil
}

func (p *Pulse) SinkByName(name string) (*Device, error) {
	reply := proto.GetSinkInfoReply{}
	if err := p.client.Request(&proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: name}, &reply); err != nil {
		return nil, fmt.Errorf("get sink %q info: %w: %v", name, rerr.ErrNotFound, err)
	}
	return sinkFromReply(&reply), nil
}

// Sinks lists every sink known to the server
func (p *Pulse) Sinks() ([]*Device, error) {
	reply := proto.GetSinkInfoListReply{}
	if err := p.client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		p.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	sinks := make([]*Device, 0, len(reply))
	for _, info := range reply {
		sinks = append(sinks, sinkFromReply(info))
	}
	return sinks, nil
}

func (p *Pulse) Source(index uint32) (*Device, error) {
	reply := proto.GetSourceInfoReply{}
	if err := p.client.Request(&proto.GetSourceInfo{SourceIndex: index}, &reply); err != nil {
		return nil, fmt.Errorf("get source.%d info: %w: %v", index, rerr.ErrNotFound, err)
	}
	return sourceFromReply(&reply), nil
}

func (p *Pulse) SourceByName(name string) (*Device, error) {
	reply := proto.GetSourceInfoReply{}
	if err := p.client.Request(&proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: name}, &reply); err != nil {
		return nil, fmt.Errorf("get source %q info: %w: %v", name, rerr.ErrNotFound, err)
	}
	return sourceFromReply(&reply), nil
}

func (p *Pulse) Card(index uint32) (*Card, error) {
	reply := proto.GetCardInfoReply{}
	if err := p.client.Request(&proto.GetCardInfo{CardIndex: index}, &reply); err != nil {
		return nil, fmt.Errorf("get card.%d info: %w: %v", index, rerr.ErrNotFound, err)
	}

	card := &Card{
		Index:         reply.CardIndex,
		Name:          reply.CardName,
		ActiveProfile: reply.ActiveProfileName,
		Properties:    propsToMap(reply.Properties),
	}
	for _, prof := range reply.Profiles {
		card.Profiles = append(card.Profiles, prof.Name)
	}

	return card, nil
}

func (p *Pulse) SetCardProfile(card uint32, profile string) error {
	request := proto.SetCardProfile{CardIndex: card, ProfileName: profile}
	if err := p.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set profile %q on card.%d: %w", profile, card, err)
	}
	return nil
}

func (p *Pulse) SetSinkPort(sink uint32, port string) error {
	request := proto.SetSinkPort{SinkIndex: sink, Port: port}
	if err := p.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set port %q on sink.%d: %w", port, sink, err)
	}
	return nil
}

func (p *Pulse) SetSourcePort(source uint32, port string) error {
	request := proto.SetSourcePort{SourceIndex: source, Port: port}
	if err := p.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set port %q on source.%d: %w", port, source, err)
	}
	return nil
}

func (p *Pulse) SinkInput(index uint32) (*SinkInput, error) {
	reply := proto.GetSinkInputInfoReply{}
	if err := p.client.Request(&proto.GetSinkInputInfo{SinkInputIndex: index}, &reply); err != nil {
		return nil, fmt.Errorf("get sink-input.%d info: %w: %v", index, rerr.ErrNotFound, err)
	}
	return sinkInputFromReply(&reply), nil
}

// Streams lists every sink-input known to the server
func (p *Pulse) Streams() ([]*SinkInput, error) {
	reply := proto.GetSinkInputInfoListReply{}
	if err := p.client.Request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		p.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	inputs := make([]*SinkInput, 0, len(reply))
	for _, info := range reply {
		inputs = append(inputs, sinkInputFromReply(info))
	}
	return inputs, nil
}

func (p *Pulse) MoveSinkInput(sinkInput, sink uint32) error {
	request := proto.MoveSinkInput{SinkInputIndex: sinkInput, DeviceIndex: sink}
	if err := p.client.Request(&request, nil); err != nil {
		return fmt.Errorf("move sink-input.%d to sink.%d: %w", sinkInput, sink, err)
	}
	return nil
}

func (p *Pulse) NullSink() (*Device, error) {
	if p.nullSink == "" {
		return nil, rerr.ErrNoFallbackSink
	}

	sink, err := p.SinkByName(p.nullSink)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", p.nullSink, rerr.ErrNoFallbackSink)
	}
	return sink, nil
}

func (p *Pulse) loadModule(name, args string) (uint32, error) {
	reply := proto.LoadModuleReply{}
	if err := p.client.Request(&proto.LoadModule{Name: name, Args: args}, &reply); err != nil {
		return Invalid, fmt.Errorf("load %s %s: %w", name, args, err)
	}

	p.logger.Debugw("Loaded module", "name", name, "args", args, "moduleIndex", reply.ModuleIndex)

	return reply.ModuleIndex, nil
}

func (p *Pulse) unloadModule(index uint32) error {
	if err := p.client.Request(&proto.UnloadModule{ModuleIndex: index}, nil); err != nil {
		return fmt.Errorf("unload module %d: %w", index, err)
	}
	return nil
}

func (p *Pulse) loadFanIn(name string) (uint32, uint32, error) {
	module, err := p.loadModule(nullSinkModule, fmt.Sprintf("sink_name=%s", name))
	if err != nil {
		return Invalid, Invalid, err
	}

	sink, err := p.SinkByName(name)
	if err != nil {
		_ = p.unloadModule(module)
		return Invalid, Invalid, err
	}

	return module, sink.Index, nil
}

func (p *Pulse) unloadFanIn(mux *Multiplex) error {
	return p.unloadModule(mux.ModuleIndex)
}

// loadRoute loads a loopback from the multiplex monitor to sink and finds
// the stream it plays through
func (p *Pulse) loadRoute(mux *Multiplex, sink uint32) (Route, error) {
	target, err := p.Sink(sink)
	if err != nil {
		return Route{}, err
	}

	args := fmt.Sprintf("source=\"%s.monitor\" sink=\"%s\"", mux.Name, target.Name)

	module, err := p.loadModule(loopbackModule, args)
	if err != nil {
		return Route{}, err
	}

	inputs, err := p.Streams()
	if err != nil {
		_ = p.unloadModule(module)
		return Route{}, err
	}

	for _, si := range inputs {
		if si.ModuleIndex == module {
			return Route{ModuleIndex: module, Stream: si.Index, SinkIndex: sink}, nil
		}
	}

	p.logger.Warnw("Can't find output stream of loopback module", "moduleIndex", module)
	_ = p.unloadModule(module)

	return Route{}, fmt.Errorf("output stream of module %d: %w", module, rerr.ErrNotFound)
}

func (p *Pulse) unloadRoute(r Route) error {
	return p.unloadModule(r.ModuleIndex)
}

func (p *Pulse) moveStream(stream, sink uint32) error {
	return p.MoveSinkInput(stream, sink)
}

func sinkFromReply(reply *proto.GetSinkInfoReply) *Device {
	d := &Device{
		Index:       reply.SinkIndex,
		Name:        reply.SinkName,
		Description: reply.Device,
		CardIndex:   reply.CardIndex,
		ActivePort:  reply.ActivePortName,
		Properties:  propsToMap(reply.Properties),
	}
	for _, port := range reply.Ports {
		d.Ports = append(d.Ports, port.Name)
	}
	return d
}

func sourceFromReply(reply *proto.GetSourceInfoReply) *Device {
	d := &Device{
		Index:       reply.SourceIndex,
		Name:        reply.SourceName,
		Description: reply.Device,
		CardIndex:   reply.CardIndex,
		ActivePort:  reply.ActivePortName,
		Properties:  propsToMap(reply.Properties),
	}
	for _, port := range reply.Ports {
		d.Ports = append(d.Ports, port.Name)
	}
	return d
}

func sinkInputFromReply(reply *proto.GetSinkInputInfoReply) *SinkInput {
	return &SinkInput{
		Index:       reply.SinkInputIndex,
		SinkIndex:   reply.SinkIndex,
		ModuleIndex: reply.ModuleIndex,
		Properties:  propsToMap(reply.Properties),
	}
}

func propsToMap(props proto.PropList) map[string]string {
	m := make(map[string]string, len(props))
	for k, v := range props {
		m[k] = v.String()
	}
	return m
}

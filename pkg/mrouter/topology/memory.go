package topology

import (
	"fmt"
	"sort"
	"sync"

	"github.com/thoas/go-funk"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
)

// Memory is a self-contained audio graph. It backs the dry-run mode and
// every test that needs a live topology.
type Memory struct {
	muxOps

	lock sync.Mutex

	nullSink   string
	nextIndex  uint32
	sinks      map[uint32]*Device
	sources    map[uint32]*Device
	cards      map[uint32]*Card
	sinkInputs map[uint32]*SinkInput
	modules    map[uint32]string

	// ProfileHook runs synchronously inside SetCardProfile, the way the
	// audio server fires its hooks while a profile switch is in progress
	ProfileHook func(card uint32, profile string)

	// FailMoves makes every MoveSinkInput fail, for exercising error paths
	FailMoves bool
}

func NewMemory(nullSink string) *Memory {
	m := &Memory{
		nullSink:   nullSink,
		sinks:      make(map[uint32]*Device),
		sources:    make(map[uint32]*Device),
		cards:      make(map[uint32]*Card),
		sinkInputs: make(map[uint32]*SinkInput),
		modules:    make(map[uint32]string),
	}
	m.muxOps = muxOps{backend: m}

	return m
}

func (m *Memory) index() uint32 {
	idx := m.nextIndex
	m.nextIndex++
	return idx
}

// AddCard adds a card whose first profile is active
func (m *Memory) AddCard(name string, profiles ...string) *Card {
	m.lock.Lock()
	defer m.lock.Unlock()

	c := &Card{Index: m.index(), Name: name, Profiles: profiles, Properties: map[string]string{}}
	if len(profiles) > 0 {
		c.ActiveProfile = profiles[0]
	}
	m.cards[c.Index] = c

	return copyCard(c)
}

// AddSink adds a sink whose first port is active
func (m *Memory) AddSink(name string, card uint32, ports ...string) *Device {
	m.lock.Lock()
	defer m.lock.Unlock()

	return copyDevice(m.addDevice(m.sinks, name, card, ports))
}

// AddSource adds a source whose first port is active
func (m *Memory) AddSource(name string, card uint32, ports ...string) *Device {
	m.lock.Lock()
	defer m.lock.Unlock()

	return copyDevice(m.addDevice(m.sources, name, card, ports))
}

func (m *Memory) addDevice(set map[uint32]*Device, name string, card uint32, ports []string) *Device {
	d := &Device{Index: m.index(), Name: name, Description: name, CardIndex: card, Ports: ports, Properties: map[string]string{}}
	if len(ports) > 0 {
		d.ActivePort = ports[0]
	}
	set[d.Index] = d

	return d
}

func (m *Memory) RemoveSink(index uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.sinks, index)
}

// AddSinkInput adds a stream playing to sink
func (m *Memory) AddSinkInput(sink uint32, props map[string]string) *SinkInput {
	m.lock.Lock()
	defer m.lock.Unlock()

	si := &SinkInput{Index: m.index(), SinkIndex: sink, ModuleIndex: Invalid, Properties: props}
	m.sinkInputs[si.Index] = si

	return copySinkInput(si)
}

func (m *Memory) RemoveSinkInput(index uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.sinkInputs, index)
}

// SinkInputs lists the streams playing to sink, ordered by index
func (m *Memory) SinkInputs(sink uint32) []*SinkInput {
	m.lock.Lock()
	defer m.lock.Unlock()

	var result []*SinkInput
	for _, si := range m.sinkInputs {
		if si.SinkIndex == sink {
			result = append(result, copySinkInput(si))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })

	return result
}

// Sinks lists every sink ordered by index
func (m *Memory) Sinks() ([]*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	result := make([]*Device, 0, len(m.sinks))
	for _, d := range m.sinks {
		result = append(result, copyDevice(d))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })

	return result, nil
}

// Streams lists every sink input ordered by index
func (m *Memory) Streams() ([]*SinkInput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	result := make([]*SinkInput, 0, len(m.sinkInputs))
	for _, si := range m.sinkInputs {
		result = append(result, copySinkInput(si))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })

	return result, nil
}

// Modules lists the names of loaded modules
func (m *Memory) Modules() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	names := funk.Values(m.modules).([]string)
	sort.Strings(names)

	return names
}

func (m *Memory) Sink(index uint32) (*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	d, ok := m.sinks[index]
	if !ok {
		return nil, notFound("sink", index)
	}
	return copyDevice(d), nil
}

func (m *Memory) SinkByName(name string) (*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if d := findByName(m.sinks, name); d != nil {
		return copyDevice(d), nil
	}
	return nil, notFoundByName("sink", name)
}

func (m *Memory) Source(index uint32) (*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	d, ok := m.sources[index]
	if !ok {
		return nil, notFound("source", index)
	}
	return copyDevice(d), nil
}

func (m *Memory) SourceByName(name string) (*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if d := findByName(m.sources, name); d != nil {
		return copyDevice(d), nil
	}
	return nil, notFoundByName("source", name)
}

func (m *Memory) Card(index uint32) (*Card, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.cards[index]
	if !ok {
		return nil, notFound("card", index)
	}
	return copyCard(c), nil
}

func (m *Memory) SetCardProfile(card uint32, profile string) error {
	m.lock.Lock()

	c, ok := m.cards[card]
	if !ok {
		m.lock.Unlock()
		return notFound("card", card)
	}
	if !funk.ContainsString(c.Profiles, profile) {
		m.lock.Unlock()
		return fmt.Errorf("profile %q of card.%d: %w", profile, card, rerr.ErrNotFound)
	}
	c.ActiveProfile = profile
	hook := m.ProfileHook

	m.lock.Unlock()

	if hook != nil {
		hook(card, profile)
	}

	return nil
}

func (m *Memory) SetSinkPort(sink uint32, port string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return setPort(m.sinks, "sink", sink, port)
}

func (m *Memory) SetSourcePort(source uint32, port string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return setPort(m.sources, "source", source, port)
}

func (m *Memory) SinkInput(index uint32) (*SinkInput, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	si, ok := m.sinkInputs[index]
	if !ok {
		return nil, notFound("sink-input", index)
	}
	return copySinkInput(si), nil
}

func (m *Memory) MoveSinkInput(sinkInput, sink uint32) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.move(sinkInput, sink)
}

func (m *Memory) move(sinkInput, sink uint32) error {
	si, ok := m.sinkInputs[sinkInput]
	if !ok {
		return notFound("sink-input", sinkInput)
	}
	if _, ok := m.sinks[sink]; !ok {
		return notFound("sink", sink)
	}
	if m.FailMoves {
		return fmt.Errorf("move sink-input.%d: %w", sinkInput, rerr.ErrNotPossible)
	}

	si.SinkIndex = sink

	return nil
}

func (m *Memory) NullSink() (*Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.nullSink == "" {
		return nil, rerr.ErrNoFallbackSink
	}
	if d := findByName(m.sinks, m.nullSink); d != nil {
		return copyDevice(d), nil
	}
	return nil, fmt.Errorf("%q: %w", m.nullSink, rerr.ErrNoFallbackSink)
}

func (m *Memory) loadFanIn(name string) (uint32, uint32, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	module := m.index()
	m.modules[module] = "module-null-sink sink_name=" + name
	sink := m.addDevice(m.sinks, name, Invalid, nil)

	return module, sink.Index, nil
}

func (m *Memory) unloadFanIn(mux *Multiplex) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.modules[mux.ModuleIndex]; !ok {
		return notFound("module", mux.ModuleIndex)
	}
	delete(m.modules, mux.ModuleIndex)
	delete(m.sinks, mux.SinkIndex)

	return nil
}

func (m *Memory) loadRoute(mux *Multiplex, sink uint32) (Route, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	target, ok := m.sinks[sink]
	if !ok {
		return Route{}, notFound("sink", sink)
	}

	module := m.index()
	m.modules[module] = fmt.Sprintf("module-loopback source=%s.monitor sink=%s", mux.Name, target.Name)

	si := &SinkInput{Index: m.index(), SinkIndex: sink, ModuleIndex: module, Properties: map[string]string{}}
	m.sinkInputs[si.Index] = si

	return Route{ModuleIndex: module, Stream: si.Index, SinkIndex: sink}, nil
}

func (m *Memory) unloadRoute(r Route) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.modules[r.ModuleIndex]; !ok {
		return notFound("module", r.ModuleIndex)
	}
	delete(m.modules, r.ModuleIndex)
	delete(m.sinkInputs, r.Stream)

	return nil
}

func (m *Memory) moveStream(stream, sink uint32) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.move(stream, sink)
}

func findByName(set map[uint32]*Device, name string) *Device {
	for _, d := range set {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func setPort(set map[uint32]*Device, kind string, index uint32, port string) error {
	d, ok := set[index]
	if !ok {
		return notFound(kind, index)
	}
	if !funk.ContainsString(d.Ports, port) {
		return fmt.Errorf("port %q of %s.%d: %w", port, kind, index, rerr.ErrNotFound)
	}
	d.ActivePort = port

	return nil
}

func copyDevice(d *Device) *Device {
	c := *d
	c.Ports = append([]string(nil), d.Ports...)
	return &c
}

func copyCard(c *Card) *Card {
	cc := *c
	cc.Profiles = append([]string(nil), c.Profiles...)
	return &cc
}

func copySinkInput(si *SinkInput) *SinkInput {
	c := *si
	return &c
}

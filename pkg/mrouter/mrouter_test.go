package mrouter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/mrouter/pkg/mrouter/audiomgr"
	"github.com/MixyLabs/mrouter/pkg/mrouter/classify"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
	"github.com/MixyLabs/mrouter/pkg/mrouter/topology"
)

const speakersKey = "sink.alsa_output.pci.analog-stereo.analog-output-speaker"

type fixture struct {
	d        *MRouter
	mem      *topology.Memory
	null     *topology.Device
	speakers *topology.Device
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()

	notifier, err := NewToastNotifier(logger)
	require.NoError(t, err)
	notifier.SetEnabled(false)

	mem := topology.NewMemory("null")
	null := mem.AddSink("null", topology.Invalid)
	card := mem.AddCard("alsa_card.pci-0000_00_1f.3", "output:analog-stereo")
	speakers := mem.AddSink("alsa_output.pci.analog-stereo", card.Index, "analog-output-speaker")

	d := newMRouter(logger, notifier, nil)
	d.wire(mem)
	d.discoverer = &memoryDiscoverer{mem: mem, nullSink: "null", streams: classify.StreamTypes{}}

	return &fixture{d: d, mem: mem, null: null, speakers: speakers}
}

func (f *fixture) apply(t *testing.T, cfg Config) {
	t.Helper()

	if cfg.Backend == "" {
		cfg.Backend = backendMemory
	}
	policy, err := cfg.routingPolicy()
	require.NoError(t, err)

	f.d.applyPolicy(policy)
}

func (f *fixture) sinkOf(t *testing.T, index uint32) uint32 {
	t.Helper()

	si, err := f.mem.SinkInput(index)
	require.NoError(t, err)
	return si.SinkIndex
}

func speakerPolicy() Config {
	return Config{
		Groups:      []GroupConfig{{Name: "speakers", Accept: "types:speakers"}},
		ClassGroups: map[string]string{"player": "speakers"},
	}
}

func TestBootstrapRoutesExistingStreams(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())

	si := f.mem.AddSinkInput(f.null.Index, map[string]string{classify.PropApplicationName: "mpv"})

	f.d.bootstrap()

	require.NotNil(t, f.d.registry.Find(speakersKey))
	stream := f.d.registry.Find(streamKey(si.Index))
	require.NotNil(t, stream)
	assert.Equal(t, node.Player, stream.Type)
	assert.Equal(t, "mpv", stream.Name)

	assert.Equal(t, f.speakers.Index, f.sinkOf(t, si.Index))
	require.NotNil(t, f.d.engine.Target(stream))
	assert.Equal(t, speakersKey, f.d.engine.Target(stream).Key)

	assert.Nil(t, f.d.registry.Find("sink.null"), "the fallback sink is not a node")
}

func TestDeviceRemovalParksStreams(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())

	si := f.mem.AddSinkInput(f.null.Index, map[string]string{})
	f.d.bootstrap()
	require.Equal(t, f.speakers.Index, f.sinkOf(t, si.Index))

	f.d.applyUpdate(NodeUpdate{Removed: []string{speakersKey}})

	assert.Nil(t, f.d.registry.Find(speakersKey))
	assert.Equal(t, f.null.Index, f.sinkOf(t, si.Index))
	assert.Nil(t, f.d.engine.Target(f.d.registry.Find(streamKey(si.Index))))
}

func TestLateStreamIsRouted(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())
	f.d.bootstrap()

	si := f.mem.AddSinkInput(f.null.Index, map[string]string{})
	n := streamNode(si, classify.StreamTypes{}, nil)
	require.NotNil(t, n)

	f.d.applyUpdate(NodeUpdate{Added: []*node.Node{n}})
	assert.Equal(t, f.speakers.Index, f.sinkOf(t, si.Index))

	// a second report of the same stream changes nothing
	dup := streamNode(si, classify.StreamTypes{}, nil)
	f.d.applyUpdate(NodeUpdate{Added: []*node.Node{dup}})
	assert.Same(t, n, f.d.registry.Find(n.Key))
}

func TestMultiplexedStreamLifecycle(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())
	f.d.multiplex = true

	si := f.mem.AddSinkInput(f.null.Index, map[string]string{})
	f.d.bootstrap()

	stream := f.d.registry.Find(streamKey(si.Index))
	require.NotNil(t, stream)
	require.NotNil(t, stream.Mux)

	mux := stream.Mux
	assert.Equal(t, muxPrefix+stream.Key, mux.Name)
	assert.Equal(t, mux.SinkIndex, f.sinkOf(t, si.Index), "the stream plays into its fan-in")
	require.Len(t, mux.Routes, 1)
	assert.Equal(t, f.speakers.Index, mux.Routes[0].SinkIndex)
	assert.Equal(t, mux.Routes[0].Stream, mux.DefaultStream)

	// the fan-in sink and the loopback are not nodes
	nodes, err := f.d.discoverer.Nodes()
	require.NoError(t, err)
	for _, n := range nodes {
		assert.False(t, strings.HasPrefix(n.LiveName, muxPrefix), n.Key)
		assert.NotEqual(t, streamKey(mux.Routes[0].Stream), n.Key)
	}

	f.d.applyUpdate(NodeUpdate{Removed: []string{stream.Key}})

	assert.Nil(t, stream.Mux)
	assert.Empty(t, f.mem.Modules())
}

func TestShutdownUnloadsMultiplexes(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())
	f.d.multiplex = true

	f.mem.AddSinkInput(f.null.Index, map[string]string{})
	f.d.bootstrap()
	require.NotEmpty(t, f.mem.Modules())

	require.NoError(t, f.d.shutdownRouting())
	assert.Empty(t, f.mem.Modules())
}

func TestApplyPolicyReplacesGroups(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())

	si := f.mem.AddSinkInput(f.null.Index, map[string]string{})
	f.d.bootstrap()

	f.apply(t, Config{
		Groups: []GroupConfig{
			{Name: "speakers", Accept: "types:hdmi"},
			{Name: "all", Accept: "default"},
		},
		ClassGroups: map[string]string{"player": "all"},
		Priorities:  map[string]int{"player": 3},
	})

	var names []string
	for _, g := range f.d.engine.Groups() {
		names = append(names, g.Name)
	}
	assert.ElementsMatch(t, []string{"speakers", "all"}, names)

	entries, err := f.d.engine.Entries("all")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, speakersKey, entries[0].Node)

	entries, err = f.d.engine.Entries("speakers")
	require.NoError(t, err)
	assert.Empty(t, entries, "the redefined group no longer accepts the device")

	assert.Equal(t, 3, f.d.engine.Priority(node.Player))
	assert.Equal(t, f.speakers.Index, f.sinkOf(t, si.Index))

	f.apply(t, Config{})
	assert.Empty(t, f.d.engine.Groups())
	assert.Zero(t, f.d.engine.Priority(node.Player))
	assert.Equal(t, f.null.Index, f.sinkOf(t, si.Index))
}

func TestRemovedExplicitRouteRestoresPreviousOne(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())

	usb := f.mem.AddSink("alsa_output.usb-headset", topology.Invalid, "analog-output-headphones")
	si := f.mem.AddSinkInput(f.null.Index, map[string]string{})
	f.d.bootstrap()

	stream := f.d.registry.Find(streamKey(si.Index))
	headset := f.d.registry.Find("sink.alsa_output.usb-headset.analog-output-headphones")
	speakers := f.d.registry.Find(speakersKey)
	require.NotNil(t, stream)
	require.NotNil(t, headset)
	require.Equal(t, f.speakers.Index, f.sinkOf(t, si.Index))

	first := f.d.engine.AddExplicitRoute(1, stream, headset)
	require.NotNil(t, first)
	assert.Equal(t, usb.Index, f.sinkOf(t, si.Index))

	second := f.d.engine.AddExplicitRoute(2, stream, speakers)
	require.NotNil(t, second)
	assert.Equal(t, f.speakers.Index, f.sinkOf(t, si.Index))
	assert.True(t, first.Blocked)

	f.d.engine.RemoveExplicitRoute(second)
	assert.False(t, first.Blocked)
	assert.Equal(t, usb.Index, f.sinkOf(t, si.Index), "the stream is back on the older route")
}

type recordingTransport struct {
	domains    []*audiomgr.DomainRegistration
	registered []string
	methods    []audiomgr.Method
	acks       []audiomgr.Ack
}

func (r *recordingTransport) RegisterDomain(req *audiomgr.DomainRegistration) error {
	r.domains = append(r.domains, req)
	return nil
}

func (r *recordingTransport) DomainComplete(uint16) error {
	r.methods = append(r.methods, audiomgr.MethodDomainComplete)
	return nil
}

func (r *recordingTransport) UnregisterDomain(uint16) error {
	r.methods = append(r.methods, audiomgr.MethodDeregisterDomain)
	return nil
}

func (r *recordingTransport) RegisterNode(method audiomgr.Method, req *audiomgr.NodeRegistration) error {
	r.methods = append(r.methods, method)
	r.registered = append(r.registered, req.Key)
	return nil
}

func (r *recordingTransport) UnregisterNode(method audiomgr.Method, _ *audiomgr.NodeUnregistration) error {
	r.methods = append(r.methods, method)
	return nil
}

func (r *recordingTransport) Acknowledge(method audiomgr.Method, ack audiomgr.Ack) error {
	r.methods = append(r.methods, method)
	r.acks = append(r.acks, ack)
	return nil
}

func TestAuthorityControlsRegistration(t *testing.T) {
	f := newFixture(t)
	f.apply(t, speakerPolicy())

	tr := &recordingTransport{}
	f.d.attachAuthority(tr, "PULSE", "pulsePlugin")

	si := f.mem.AddSinkInput(f.null.Index, map[string]string{})
	f.d.bootstrap()

	require.Len(t, tr.domains, 1)
	assert.Empty(t, tr.registered, "nothing is registered before the domain is")
	assert.Equal(t, f.null.Index, f.sinkOf(t, si.Index), "unregistered nodes are not routed")

	f.d.bridge.OnDomainRegistered(audiomgr.DomainRegistered{ID: 5, State: audiomgr.DomainControlled})
	assert.ElementsMatch(t, []string{speakersKey, streamKey(si.Index)}, tr.registered)

	f.d.bridge.OnNodeRegistered(audiomgr.NodeRegistered{ID: 1, Key: speakersKey})
	f.d.bridge.OnNodeRegistered(audiomgr.NodeRegistered{ID: 2, Key: streamKey(si.Index)})
	assert.Equal(t, f.speakers.Index, f.sinkOf(t, si.Index))

	f.d.bridge.OnConnect(audiomgr.ConnectRequest{Handle: 7, Connection: 42, Source: 2, Sink: 1})
	require.Len(t, tr.acks, 1)
	assert.Equal(t, audiomgr.ErrorOK, tr.acks[0].Error)

	f.d.applyUpdate(NodeUpdate{Removed: []string{streamKey(si.Index)}})
	assert.Contains(t, tr.methods, audiomgr.MethodDeregisterSource)
	assert.Nil(t, f.d.registry.Connection(42), "the stream's connection went with it")

	require.NoError(t, f.d.shutdownRouting())
	assert.Contains(t, tr.methods, audiomgr.MethodDeregisterDomain)
	assert.Equal(t, audiomgr.DomainDown, f.d.bridge.Domain().State)
}

func TestWriteCrashlog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), logDirectory)
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	f := newFixture(t)
	f.apply(t, speakerPolicy())
	f.d.bootstrap()

	path, err := writeCrashlog(dir, now, "boom", f.d.routingState(), []byte("goroutine 1 [running]"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mrouter-crash-2026.10.15-09.30.00.log"), path)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "Panic occurred: boom")
	assert.Contains(t, string(contents), "  group speakers\n    "+speakersKey+" blocked=false")
	assert.Contains(t, string(contents), "goroutine 1 [running]")
}

func TestRoutingStateBeforeSetup(t *testing.T) {
	d := newMRouter(zaptest.NewLogger(t).Sugar(), nil, nil)
	assert.Equal(t, "  not set up\n", d.routingState())
}

func TestDryRunForcesMemoryBackend(t *testing.T) {
	dir := t.TempDir()
	contents := "backend: pulse\nnotifications: false\ngroups:\n  - name: speakers\n    accept: default\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, userConfigFilepath), []byte(contents), 0o644))

	d, err := NewMRouter(zaptest.NewLogger(t).Sugar(), Options{ConfigDir: dir, DryRun: true})
	require.NoError(t, err)
	require.NoError(t, d.configMan.Load())
	require.NoError(t, d.setup())

	assert.Nil(t, d.pulse)
	assert.IsType(t, &topology.Memory{}, d.topo)
	assert.IsType(t, &memoryDiscoverer{}, d.discoverer)
	assert.Len(t, d.engine.Groups(), 1)
}

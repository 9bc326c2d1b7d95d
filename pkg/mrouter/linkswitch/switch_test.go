package linkswitch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/mrouter/pkg/mrouter/metrics"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
	"github.com/MixyLabs/mrouter/pkg/mrouter/topology"
)

const (
	portSpeaker    = "analog-output-speaker"
	portHeadphones = "analog-output-headphones"
)

type fixture struct {
	t        *testing.T
	mem      *topology.Memory
	registry *node.Registry
	metrics  *metrics.Metrics
	sw       *Switch

	null *topology.Device
	pci  *topology.Device
	hdmi *topology.Device
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t).Sugar()

	f := &fixture{
		t:        t,
		mem:      topology.NewMemory("null"),
		registry: node.NewRegistry(logger),
		metrics:  metrics.New(),
	}
	f.sw = New(logger, f.mem, f.registry, f.metrics)

	card := f.mem.AddCard("alsa_card.pci", "output:analog-stereo")
	f.null = f.mem.AddSink("null", topology.Invalid)
	f.pci = f.mem.AddSink("alsa_output.pci", card.Index, portSpeaker, portHeadphones)
	f.hdmi = f.mem.AddSink("alsa_output.hdmi", card.Index)

	return f
}

func (f *fixture) device(key, liveName, port string, typ node.Type, live uint32) *node.Node {
	n := node.New(key, node.Output, node.Device, typ)
	n.LiveName = liveName
	n.Port = port
	n.LiveIndex = live
	require.NoError(f.t, f.registry.Create(n))
	return n
}

func (f *fixture) stream(key string) (*node.Node, *topology.SinkInput) {
	si := f.mem.AddSinkInput(f.null.Index, map[string]string{"application.name": key})

	n := node.New(key, node.Input, node.Stream, node.Player)
	n.LiveIndex = si.Index
	require.NoError(f.t, f.registry.Create(n))

	return n, si
}

func (f *fixture) muxStream(key string) *node.Node {
	n, si := f.stream(key)

	mux, err := f.mem.LoadMultiplex("mux." + key)
	require.NoError(f.t, err)
	require.NoError(f.t, f.mem.MoveSinkInput(si.Index, mux.SinkIndex))
	n.Mux = mux

	return n
}

func (f *fixture) sinkOf(sinkInput uint32) uint32 {
	si, err := f.mem.SinkInput(sinkInput)
	require.NoError(f.t, err)
	return si.SinkIndex
}

func TestDirectDefaultRouteMovesStream(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	player, si := f.stream("player")

	require.True(t, f.sw.SetupLink(player, speakers, false))
	assert.Equal(t, f.pci.Index, f.sinkOf(si.Index))
	assert.Equal(t, Linked, f.sw.State(player, speakers))

	// already there
	require.True(t, f.sw.SetupLink(player, speakers, false))

	require.True(t, f.sw.TeardownLink(player, speakers))
	assert.Equal(t, f.null.Index, f.sinkOf(si.Index))
	assert.Equal(t, Unlinked, f.sw.State(player, speakers))
}

func TestTeardownWithoutFallbackSinkFails(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	player, si := f.stream("player")

	require.True(t, f.sw.SetupLink(player, speakers, false))
	f.mem.RemoveSink(f.null.Index)

	assert.False(t, f.sw.TeardownLink(player, speakers))
	assert.Equal(t, f.pci.Index, f.sinkOf(si.Index))
	assert.Equal(t, Linked, f.sw.State(player, speakers))
}

func TestFailedSetupLeavesPairUnlinked(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	player, si := f.stream("player")

	f.mem.FailMoves = true
	assert.False(t, f.sw.SetupLink(player, speakers, true))
	assert.Equal(t, Unlinked, f.sw.State(player, speakers))
	assert.Equal(t, f.null.Index, f.sinkOf(si.Index))

	// retry works once the audio server cooperates
	f.mem.FailMoves = false
	assert.True(t, f.sw.SetupLink(player, speakers, true))
	assert.Equal(t, f.pci.Index, f.sinkOf(si.Index))
}

func TestMissingStreamIsNotFound(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	player, si := f.stream("player")

	f.mem.RemoveSinkInput(si.Index)

	assert.False(t, f.sw.SetupLink(player, speakers, false))
}

func TestPortChangeRetiresPreviousOwner(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	headphones := f.device("sink.pci.headphones", "alsa_output.pci", portHeadphones, node.WiredHeadphone, node.InvalidIndex)
	player, si := f.stream("player")

	require.True(t, f.sw.SetupLink(player, headphones, false))

	sink, err := f.mem.Sink(f.pci.Index)
	require.NoError(t, err)
	assert.Equal(t, portHeadphones, sink.ActivePort)
	assert.Equal(t, f.pci.Index, headphones.LiveIndex)
	assert.False(t, speakers.IsLive())
	assert.Same(t, headphones, f.registry.LiveOwner(node.Device, node.Output, f.pci.Index))
	assert.Equal(t, f.pci.Index, f.sinkOf(si.Index))

	// and back
	require.True(t, f.sw.SetupLink(player, speakers, false))
	assert.True(t, speakers.IsLive())
	assert.False(t, headphones.IsLive())
}

func TestPreroutePreparesDevice(t *testing.T) {
	f := newFixture(t)
	f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	headphones := f.device("sink.pci.headphones", "alsa_output.pci", portHeadphones, node.WiredHeadphone, node.InvalidIndex)

	require.True(t, f.sw.SetupLink(nil, headphones, false))
	assert.Equal(t, f.pci.Index, headphones.LiveIndex)
}

func TestNestedProfileChangeIsRefused(t *testing.T) {
	f := newFixture(t)

	card := f.mem.AddCard("bluez_card.00_11", "off", "a2dp_sink", "headset_head_unit")
	bt := f.mem.AddSink("bluez_sink.00_11", card.Index)

	a2dp := f.device("sink.bluez.a2dp", "bluez_sink.00_11", "", node.BluetoothA2dp, bt.Index)
	a2dp.Card = node.CardRef{Index: card.Index, Profile: "a2dp_sink"}
	sco := f.device("sink.bluez.sco", "bluez_sink.00_11", "", node.BluetoothSco, node.InvalidIndex)
	sco.Card = node.CardRef{Index: card.Index, Profile: "headset_head_unit"}

	player, si := f.stream("player")
	phone, _ := f.stream("phone")

	var nested *bool
	f.mem.ProfileHook = func(uint32, string) {
		ok := f.sw.SetupLink(phone, sco, false)
		nested = &ok
	}

	require.True(t, f.sw.SetupLink(player, a2dp, false))
	require.NotNil(t, nested)
	assert.False(t, *nested)

	c, err := f.mem.Card(card.Index)
	require.NoError(t, err)
	assert.Equal(t, "a2dp_sink", c.ActiveProfile)
	assert.Equal(t, bt.Index, f.sinkOf(si.Index))

	// no change in progress anymore, so the next switch goes through
	f.mem.ProfileHook = nil
	sco.LiveIndex = node.InvalidIndex
	assert.False(t, f.sw.SetupLink(phone, sco, false), "sco node is not bound to a sink")
	c, err = f.mem.Card(card.Index)
	require.NoError(t, err)
	assert.Equal(t, "headset_head_unit", c.ActiveProfile)
}

func TestMultiplexExplicitTakesOverDefaultRoute(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	hdmi := f.device("sink.hdmi", "alsa_output.hdmi", "", node.HDMI, f.hdmi.Index)
	player := f.muxStream("player")
	mux := player.Mux

	require.True(t, f.sw.SetupLink(player, speakers, false))
	require.Len(t, mux.Routes, 1)
	require.NotEqual(t, topology.Invalid, mux.DefaultStream)
	assert.Equal(t, f.pci.Index, f.sinkOf(mux.DefaultStream))

	// explicit route to the same sink turns the default route explicit
	require.True(t, f.sw.SetupLink(player, speakers, true))
	assert.Len(t, mux.Routes, 1)
	assert.Equal(t, topology.Invalid, mux.DefaultStream)

	// with explicit routes present and no default one, default routing is a no-op
	require.True(t, f.sw.SetupLink(player, hdmi, false))
	assert.Len(t, mux.Routes, 1)
	assert.Equal(t, topology.Invalid, mux.DefaultStream)

	require.True(t, f.sw.SetupLink(player, hdmi, true))
	assert.Len(t, mux.Routes, 2)

	// duplicate explicit route
	require.True(t, f.sw.SetupLink(player, hdmi, true))
	assert.Len(t, mux.Routes, 2)

	require.True(t, f.sw.TeardownLink(player, hdmi))
	require.Len(t, mux.Routes, 1)
	assert.Equal(t, f.pci.Index, mux.Routes[0].SinkIndex)
}

func TestMultiplexDefaultRouteFollowsTarget(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	hdmi := f.device("sink.hdmi", "alsa_output.hdmi", "", node.HDMI, f.hdmi.Index)
	player := f.muxStream("player")
	mux := player.Mux

	require.True(t, f.sw.SetupLink(player, speakers, false))
	def := mux.DefaultStream

	require.True(t, f.sw.SetupLink(player, hdmi, false))
	assert.Equal(t, def, mux.DefaultStream)
	assert.Equal(t, f.hdmi.Index, f.sinkOf(def))

	require.True(t, f.sw.TeardownLink(player, hdmi))
	assert.Empty(t, mux.Routes)
	assert.Equal(t, topology.Invalid, mux.DefaultStream)
}

func TestMultiplexDefaultRouteReplacesDeadStream(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	hdmi := f.device("sink.hdmi", "alsa_output.hdmi", "", node.HDMI, f.hdmi.Index)
	player := f.muxStream("player")
	mux := player.Mux

	require.True(t, f.sw.SetupLink(player, speakers, false))
	dead := mux.DefaultStream
	f.mem.RemoveSinkInput(dead)

	require.True(t, f.sw.SetupLink(player, hdmi, false))
	assert.NotEqual(t, dead, mux.DefaultStream)
	assert.Equal(t, f.hdmi.Index, f.sinkOf(mux.DefaultStream))
}

func TestMultiplexDefaultRouteNotDuplicated(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	hdmi := f.device("sink.hdmi", "alsa_output.hdmi", "", node.HDMI, f.hdmi.Index)
	player := f.muxStream("player")
	mux := player.Mux

	require.True(t, f.sw.SetupLink(player, speakers, false))
	require.True(t, f.sw.SetupLink(player, hdmi, true))
	require.Len(t, mux.Routes, 2)

	// moving the default route onto the explicit one's sink is skipped
	require.True(t, f.sw.SetupLink(player, hdmi, false))
	assert.Len(t, mux.Routes, 2)
	assert.Equal(t, f.pci.Index, f.sinkOf(mux.DefaultStream))
}

func TestUnsupportedCombinationsAreNoops(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	player, _ := f.stream("player")

	mic := node.New("source.mic", node.Input, node.Device, node.Microphone)
	assert.True(t, f.sw.SetupLink(mic, speakers, true))
	assert.True(t, f.sw.SetupLink(mic, speakers, false))

	recorder := node.New("source-output.1", node.Output, node.Stream, node.Player)
	assert.True(t, f.sw.SetupLink(player, recorder, true))
}

func TestBadEndpointsAreRefused(t *testing.T) {
	f := newFixture(t)
	speakers := f.device("sink.pci.speaker", "alsa_output.pci", portSpeaker, node.Speakers, f.pci.Index)
	player, _ := f.stream("player")

	assert.False(t, f.sw.SetupLink(speakers, player, false))
	assert.False(t, f.sw.SetupLink(player, nil, false))
	assert.False(t, f.sw.SetupLink(nil, speakers, true))
	assert.False(t, f.sw.TeardownLink(nil, speakers))
	assert.False(t, f.sw.TeardownLink(speakers, player))
}

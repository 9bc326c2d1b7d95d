// Package linkswitch turns routing decisions ("node A feeds node B") into
// edits of the live audio graph: card profile and port changes, sink-input
// moves and multiplex routes.
package linkswitch

import (
	"fmt"

	"go.uber.org/zap"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
	"github.com/MixyLabs/mrouter/pkg/mrouter/metrics"
	"github.com/MixyLabs/mrouter/pkg/mrouter/node"
	"github.com/MixyLabs/mrouter/pkg/mrouter/topology"
)

// LinkState is the state of one from => to pair. Linking and Unlinking
// only exist while a call is in progress.
type LinkState int

const (
	Unlinked LinkState = iota
	Linking
	Linked
	Unlinking
)

func (s LinkState) String() string {
	switch s {
	case Linking:
		return "linking"
	case Linked:
		return "linked"
	case Unlinking:
		return "unlinking"
	default:
		return "unlinked"
	}
}

type pair struct {
	from string
	to   string
}

// Switch is not safe for concurrent use
type Switch struct {
	logger   *zap.SugaredLogger
	topo     topology.Topology
	registry *node.Registry
	metrics  *metrics.Metrics

	// profile is the card profile being switched to, empty when idle
	profile string

	links map[pair]LinkState
}

func New(logger *zap.SugaredLogger, topo topology.Topology, registry *node.Registry, m *metrics.Metrics) *Switch {
	s := &Switch{
		logger:   logger.Named("switch"),
		topo:     topo,
		registry: registry,
		metrics:  m,
		links:    make(map[pair]LinkState),
	}

	s.logger.Debug("Created link switch instance")

	return s
}

// State returns the link state of from => to
func (s *Switch) State(from, to *node.Node) LinkState {
	if from == nil || to == nil {
		return Unlinked
	}
	return s.links[pair{from.Key, to.Key}]
}

// SetupLink makes from feed to. A nil from only prepares the output device
// (prerouting). On failure nothing stays half-linked and the call can be
// retried.
func (s *Switch) SetupLink(from, to *node.Node, explicit bool) bool {
	kind := "default"
	if explicit {
		kind = "explicit"
	} else if from == nil {
		kind = "preroute"
	}

	if to == nil || to.Direction != node.Output || (from != nil && from.Direction != node.Input) {
		s.logger.Errorw("Refusing to set up link with bad endpoints", "from", nodeName(from), "to", nodeName(to))
		s.metrics.LinkOperation("setup", kind, false)
		return false
	}

	var p pair
	if from != nil {
		p = pair{from.Key, to.Key}
		s.links[p] = Linking
	}

	if err := s.setupLink(from, to, explicit); err != nil {
		if from != nil {
			delete(s.links, p)
		}

		s.logger.Warnw("Failed to set up link",
			"from", nodeName(from), "to", nodeName(to), "kind", kind,
			"class", rerr.ClassOf(err).String(), "error", err)
		s.metrics.LinkOperation("setup", kind, false)

		return false
	}

	if from != nil {
		s.links[p] = Linked
	}

	s.logger.Debugw("Link established", "from", nodeName(from), "to", nodeName(to), "kind", kind)
	s.metrics.LinkOperation("setup", kind, true)

	return true
}

// TeardownLink reverses SetupLink
func (s *Switch) TeardownLink(from, to *node.Node) bool {
	if from == nil || to == nil || from.Direction != node.Input || to.Direction != node.Output {
		s.logger.Errorw("Refusing to tear down link with bad endpoints", "from", nodeName(from), "to", nodeName(to))
		s.metrics.LinkOperation("teardown", "any", false)
		return false
	}

	p := pair{from.Key, to.Key}
	prev := s.links[p]
	s.links[p] = Unlinking

	if err := s.teardownLink(from, to); err != nil {
		if prev == Unlinked {
			delete(s.links, p)
		} else {
			s.links[p] = prev
		}

		s.logger.Warnw("Failed to tear down link",
			"from", nodeName(from), "to", nodeName(to),
			"class", rerr.ClassOf(err).String(), "error", err)
		s.metrics.LinkOperation("teardown", "any", false)

		return false
	}

	delete(s.links, p)

	s.logger.Debugw("Link torn down", "from", nodeName(from), "to", nodeName(to))
	s.metrics.LinkOperation("teardown", "any", true)

	return true
}

func (s *Switch) setupLink(from, to *node.Node, explicit bool) error {
	if explicit {
		if from == nil {
			return fmt.Errorf("explicit link without source: %w", rerr.ErrInvalidArgument)
		}

		switch from.Implement {
		case node.Stream:
			switch to.Implement {
			case node.Stream:
				s.logger.Debug("Routing to streams is not implemented yet")
				return nil
			case node.Device:
				return s.setupExplicitStreamToDevice(from, to)
			default:
				return fmt.Errorf("invalid sink node implement: %w", rerr.ErrUnsupportedLink)
			}

		case node.Device:
			s.logger.Debug("Input device routing is not implemented yet")
			return nil

		default:
			return fmt.Errorf("invalid source node implement: %w", rerr.ErrUnsupportedLink)
		}
	}

	switch to.Implement {
	case node.Stream:
		s.logger.Debug("Routing to a stream is not implemented yet")
		return nil

	case node.Device:
		if from == nil {
			_, err := s.setupDeviceOutput(to)
			return err
		}

		switch from.Implement {
		case node.Stream:
			return s.setupDefaultStreamToDevice(from, to)
		case node.Device:
			s.logger.Warnw("Default device => device route is not supported", "from", from.Key, "to", to.Key)
			return nil
		default:
			return fmt.Errorf("invalid source node implement: %w", rerr.ErrUnsupportedLink)
		}

	default:
		return fmt.Errorf("invalid sink node implement: %w", rerr.ErrUnsupportedLink)
	}
}

func (s *Switch) teardownLink(from, to *node.Node) error {
	switch from.Implement {
	case node.Stream:
		switch to.Implement {
		case node.Stream:
			s.logger.Debug("Routing to streams is not implemented yet")
			return nil
		case node.Device:
			return s.teardownStreamToDevice(from, to)
		default:
			return fmt.Errorf("invalid sink node implement: %w", rerr.ErrUnsupportedLink)
		}

	case node.Device:
		s.logger.Debug("Input device routing is not implemented yet")
		return nil

	default:
		return fmt.Errorf("invalid source node implement: %w", rerr.ErrUnsupportedLink)
	}
}

func (s *Switch) setupExplicitStreamToDevice(from, to *node.Node) error {
	sink, err := s.setupDeviceOutput(to)
	if err != nil {
		return err
	}

	if err := s.prepareSource(from); err != nil {
		return err
	}

	if mux := from.Mux; mux != nil {
		var defstream *topology.SinkInput
		if mux.DefaultStream != topology.Invalid {
			defstream, _ = s.topo.SinkInput(mux.DefaultStream)
		}

		switch {
		case defstream != nil && defstream.SinkIndex == sink.Index:
			// the default route already goes there, it just becomes explicit
			return s.topo.RemoveDefaultRoute(mux, true)

		case s.topo.DuplicateRoute(mux, topology.Invalid, sink.Index):
			s.logger.Debugw("Multiplex route already exists", "from", from.Key, "to", to.Key)
			return nil

		default:
			return s.topo.AddExplicitRoute(mux, sink.Index)
		}
	}

	sinp, err := s.streamOf(from)
	if err != nil {
		return err
	}

	if sinp.SinkIndex == sink.Index {
		s.logger.Debugw("Direct route already exists, nothing to do", "sinkInput", sinp.Index, "sink", sink.Index)
		return nil
	}

	s.logger.Debugw("Direct route", "sinkInput", sinp.Index, "sink", sink.Index)

	return s.topo.MoveSinkInput(sinp.Index, sink.Index)
}

func (s *Switch) setupDefaultStreamToDevice(from, to *node.Node) error {
	sink, err := s.setupDeviceOutput(to)
	if err != nil {
		return err
	}

	if err := s.prepareSource(from); err != nil {
		return err
	}

	mux := from.Mux
	if mux == nil {
		sinp, err := s.streamOf(from)
		if err != nil {
			return err
		}

		if sinp.SinkIndex == sink.Index {
			s.logger.Debugw("Direct route already exists, nothing to do", "sinkInput", sinp.Index, "sink", sink.Index)
			return nil
		}

		s.logger.Debugw("Direct route", "sinkInput", sinp.Index, "sink", sink.Index)

		return s.topo.MoveSinkInput(sinp.Index, sink.Index)
	}

	var defstream *topology.SinkInput

	if mux.DefaultStream == topology.Invalid {
		n, err := s.topo.MultiplexRoutes(mux)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logger.Debugw("Multiplex currently has no default route", "mux", mux.String())
			return nil
		}
	} else {
		defstream, _ = s.topo.SinkInput(mux.DefaultStream)
	}

	if defstream == nil {
		// either there never was a default route or its stream died with
		// the sink it was playing to
		if s.topo.DuplicateRoute(mux, topology.Invalid, sink.Index) {
			s.logger.Debugw("Default route would duplicate an explicit one, dropping it", "mux", mux.String())
			mux.DefaultStream = topology.Invalid
			return nil
		}

		if err := s.topo.AddDefaultRoute(mux, sink.Index); err != nil {
			mux.DefaultStream = topology.Invalid
			return err
		}

		s.logger.Debugw("Multiplex route", "from", from.Key, "mux", mux.String(), "sink", sink.Index)

		return nil
	}

	if s.topo.DuplicateRoute(mux, defstream.Index, sink.Index) {
		s.logger.Debugw("Default route would duplicate an explicit one", "mux", mux.String())
		return nil
	}

	s.logger.Debugw("Multiplex route", "from", from.Key, "mux", mux.String(),
		"defaultStream", defstream.Index, "sink", sink.Index)

	return s.topo.ChangeDefaultRoute(mux, sink.Index)
}

func (s *Switch) teardownStreamToDevice(from, to *node.Node) error {
	if mux := from.Mux; mux != nil {
		if !to.IsLive() {
			return fmt.Errorf("sink of %s: %w", to.Key, rerr.ErrNotFound)
		}

		if mux.DefaultStream != topology.Invalid {
			if defstream, err := s.topo.SinkInput(mux.DefaultStream); err == nil && defstream.SinkIndex == to.LiveIndex {
				return s.topo.RemoveDefaultRoute(mux, false)
			}
		}

		return s.topo.RemoveExplicitRoute(mux, to.LiveIndex)
	}

	sinp, err := s.streamOf(from)
	if err != nil {
		return err
	}

	null, err := s.topo.NullSink()
	if err != nil {
		return fmt.Errorf("can't remove direct route: %w", err)
	}

	return s.topo.MoveSinkInput(sinp.Index, null.Index)
}

// setupDeviceOutput applies the profile and port of an output device and
// returns the sink it is bound to afterwards
func (s *Switch) setupDeviceOutput(n *node.Node) (*topology.Device, error) {
	if err := s.setProfile(n); err != nil {
		return nil, fmt.Errorf("can't route to %s: %w", n.Key, err)
	}
	if err := s.setPort(n); err != nil {
		return nil, fmt.Errorf("can't route to %s: %w", n.Key, err)
	}

	if !n.IsLive() {
		return nil, fmt.Errorf("can't route to %s, no sink: %w", n.Key, rerr.ErrNotFound)
	}

	sink, err := s.topo.Sink(n.LiveIndex)
	if err != nil {
		return nil, fmt.Errorf("can't route to %s: %w", n.Key, err)
	}

	return sink, nil
}

func (s *Switch) prepareSource(n *node.Node) error {
	if err := s.setProfile(n); err != nil {
		return fmt.Errorf("can't route from %s: %w", n.Key, err)
	}
	if err := s.setPort(n); err != nil {
		return fmt.Errorf("can't route from %s: %w", n.Key, err)
	}
	return nil
}

func (s *Switch) streamOf(n *node.Node) (*topology.SinkInput, error) {
	if !n.IsLive() {
		return nil, fmt.Errorf("%s has no sink-input: %w", n.Key, rerr.ErrNotFound)
	}

	sinp, err := s.topo.SinkInput(n.LiveIndex)
	if err != nil {
		return nil, fmt.Errorf("sink-input of %s: %w", n.Key, err)
	}

	return sinp, nil
}

// setProfile switches the card of a Bluetooth device to the profile the
// node needs. Profile changes do not nest.
func (s *Switch) setProfile(n *node.Node) error {
	if n.Implement != node.Device {
		return nil
	}
	if n.Type != node.BluetoothA2dp && n.Type != node.BluetoothSco {
		return nil
	}

	card, err := s.topo.Card(n.Card.Index)
	if err != nil {
		return fmt.Errorf("card of %s: %w", n.Key, err)
	}

	if n.Card.Profile == "" || card.ActiveProfile == n.Card.Profile {
		return nil
	}

	if s.profile != "" {
		s.logger.Warnw("Nested profile setting is not allowed",
			"card", card.Name, "active", card.ActiveProfile, "wanted", n.Card.Profile, "inProgress", s.profile)
		return fmt.Errorf("won't change %q => %q: %w", card.ActiveProfile, n.Card.Profile, rerr.ErrNestedProfileChange)
	}

	s.logger.Debugw("Changing profile", "card", card.Name, "from", card.ActiveProfile, "to", n.Card.Profile)

	s.profile = n.Card.Profile
	defer func() { s.profile = "" }()

	if err := s.topo.SetCardProfile(card.Index, n.Card.Profile); err != nil {
		return fmt.Errorf("set profile of card %s: %w", card.Name, err)
	}

	return nil
}

// setPort activates the port of a device node and rebinds the node to the
// device, retiring whichever node held it before
func (s *Switch) setPort(n *node.Node) error {
	if n.Direction != node.Input && n.Direction != node.Output {
		return fmt.Errorf("port of %s: %w", n.Key, rerr.ErrInvalidArgument)
	}
	if n.Implement != node.Device || n.Port == "" {
		return nil
	}

	var (
		dev *topology.Device
		err error
	)

	if n.Direction == node.Input {
		dev, err = s.topo.SourceByName(n.LiveName)
	} else {
		dev, err = s.topo.SinkByName(n.LiveName)
	}
	if err != nil {
		return fmt.Errorf("can't set port for %q: %w", n.LiveName, err)
	}

	if dev.ActivePort != n.Port {
		if n.Direction == node.Input {
			err = s.topo.SetSourcePort(dev.Index, n.Port)
		} else {
			err = s.topo.SetSinkPort(dev.Index, n.Port)
		}
		if err != nil {
			return fmt.Errorf("set port %q on %q: %w", n.Port, n.LiveName, err)
		}
	} else if n.LiveIndex == dev.Index {
		return nil
	}

	if retired := s.registry.BindLive(n, dev.Index); retired != nil {
		s.logger.Debugw("Port change retired node", "node", retired.Key, "newOwner", n.Key, "liveIndex", dev.Index)
	}

	return nil
}

func nodeName(n *node.Node) string {
	if n == nil {
		return "<none>"
	}
	return n.Key
}

// Package topology is the live audio graph as seen by the link switch:
// sinks, sources, cards, sink-inputs and the multiplex elements that let
// several routes share one stream. Two backends exist, an in-memory one
// for dry runs and tests and one speaking the PulseAudio native protocol.
package topology

import (
	"fmt"

	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
)

// Invalid is the sentinel for an absent live index
const Invalid uint32 = 0xFFFFFFFF

// Device is a sink or a source
type Device struct {
	Index       uint32
	Name        string
	Description string
	CardIndex   uint32
	Ports       []string
	ActivePort  string
	Properties  map[string]string
}

type Card struct {
	Index         uint32
	Name          string
	Profiles      []string
	ActiveProfile string
	Properties    map[string]string
}

type SinkInput struct {
	Index       uint32
	SinkIndex   uint32
	ModuleIndex uint32
	Properties  map[string]string
}

// Topology is everything the link switch needs from the audio server
type Topology interface {
	Sink(index uint32) (*Device, error)
	SinkByName(name string) (*Device, error)
	Source(index uint32) (*Device, error)
	SourceByName(name string) (*Device, error)
	Card(index uint32) (*Card, error)

	SetCardProfile(card uint32, profile string) error
	SetSinkPort(sink uint32, port string) error
	SetSourcePort(source uint32, port string) error

	SinkInput(index uint32) (*SinkInput, error)
	MoveSinkInput(sinkInput, sink uint32) error

	// NullSink is the fallback sink streams are parked on when unrouted
	NullSink() (*Device, error)

	Multiplexer
}

// Multiplexer manages fan-in elements. A stream feeding a multiplex is
// moved into the element once; each route is an output of the element
// towards one sink. At most one route is the default route, the rest are
// explicit.
type Multiplexer interface {
	LoadMultiplex(name string) (*Multiplex, error)
	UnloadMultiplex(mux *Multiplex) error
	MultiplexRoutes(mux *Multiplex) (int, error)
	// DuplicateRoute reports whether a route other than the one carried by
	// stream except already goes to sink
	DuplicateRoute(mux *Multiplex, except uint32, sink uint32) bool
	AddDefaultRoute(mux *Multiplex, sink uint32) error
	AddExplicitRoute(mux *Multiplex, sink uint32) error
	// RemoveDefaultRoute drops the default route; with transferToExplicit the
	// route stays up and only loses its default status
	RemoveDefaultRoute(mux *Multiplex, transferToExplicit bool) error
	RemoveExplicitRoute(mux *Multiplex, sink uint32) error
	ChangeDefaultRoute(mux *Multiplex, sink uint32) error
}

// Multiplex is the handle of a fan-in element
type Multiplex struct {
	Name          string
	ModuleIndex   uint32
	SinkIndex     uint32
	DefaultStream uint32
	Routes        []Route
}

// Route is one output of a multiplex
type Route struct {
	ModuleIndex uint32
	Stream      uint32
	SinkIndex   uint32
}

func (m *Multiplex) String() string {
	if m == nil {
		return "<no mux>"
	}
	return fmt.Sprintf("mux %s (module %d, %d routes)", m.Name, m.ModuleIndex, len(m.Routes))
}

func (m *Multiplex) defaultRoute() (int, bool) {
	if m.DefaultStream == Invalid {
		return -1, false
	}
	for i, r := range m.Routes {
		if r.Stream == m.DefaultStream {
			return i, true
		}
	}
	return -1, false
}

func (m *Multiplex) removeRoute(i int) Route {
	r := m.Routes[i]
	m.Routes = append(m.Routes[:i], m.Routes[i+1:]...)
	return r
}

// routeBackend is what a backend has to provide for muxOps to do the route
// bookkeeping on top of it
type routeBackend interface {
	loadFanIn(name string) (module uint32, sink uint32, err error)
	unloadFanIn(mux *Multiplex) error
	loadRoute(mux *Multiplex, sink uint32) (Route, error)
	unloadRoute(r Route) error
	moveStream(stream, sink uint32) error
}

// muxOps implements Multiplexer over a routeBackend
type muxOps struct {
	backend routeBackend
}

func (o muxOps) LoadMultiplex(name string) (*Multiplex, error) {
	module, sink, err := o.backend.loadFanIn(name)
	if err != nil {
		return nil, fmt.Errorf("load multiplex %s: %w", name, err)
	}

	return &Multiplex{
		Name:          name,
		ModuleIndex:   module,
		SinkIndex:     sink,
		DefaultStream: Invalid,
	}, nil
}

func (o muxOps) UnloadMultiplex(mux *Multiplex) error {
	for _, r := range mux.Routes {
		_ = o.backend.unloadRoute(r)
	}
	mux.Routes = nil
	mux.DefaultStream = Invalid

	if err := o.backend.unloadFanIn(mux); err != nil {
		return fmt.Errorf("unload %s: %w", mux, err)
	}

	return nil
}

func (o muxOps) MultiplexRoutes(mux *Multiplex) (int, error) {
	if mux == nil {
		return -1, fmt.Errorf("count routes: %w", rerr.ErrInvalidArgument)
	}
	return len(mux.Routes), nil
}

func (o muxOps) DuplicateRoute(mux *Multiplex, except uint32, sink uint32) bool {
	for _, r := range mux.Routes {
		if r.Stream != except && r.SinkIndex == sink {
			return true
		}
	}
	return false
}

func (o muxOps) AddDefaultRoute(mux *Multiplex, sink uint32) error {
	r, err := o.backend.loadRoute(mux, sink)
	if err != nil {
		return fmt.Errorf("add default route to sink.%d: %w", sink, err)
	}

	mux.Routes = append(mux.Routes, r)
	mux.DefaultStream = r.Stream

	return nil
}

func (o muxOps) AddExplicitRoute(mux *Multiplex, sink uint32) error {
	r, err := o.backend.loadRoute(mux, sink)
	if err != nil {
		return fmt.Errorf("add explicit route to sink.%d: %w", sink, err)
	}

	mux.Routes = append(mux.Routes, r)

	return nil
}

func (o muxOps) RemoveDefaultRoute(mux *Multiplex, transferToExplicit bool) error {
	i, ok := mux.defaultRoute()
	if !ok {
		return fmt.Errorf("remove default route of %s: %w", mux, rerr.ErrMultiplexRouteNotFound)
	}

	mux.DefaultStream = Invalid

	if transferToExplicit {
		return nil
	}

	r := mux.removeRoute(i)
	if err := o.backend.unloadRoute(r); err != nil {
		return fmt.Errorf("unload default route of %s: %w", mux, err)
	}

	return nil
}

func (o muxOps) RemoveExplicitRoute(mux *Multiplex, sink uint32) error {
	for i, r := range mux.Routes {
		if r.SinkIndex != sink || r.Stream == mux.DefaultStream {
			continue
		}

		mux.removeRoute(i)
		if err := o.backend.unloadRoute(r); err != nil {
			return fmt.Errorf("unload explicit route of %s: %w", mux, err)
		}
		return nil
	}

	return fmt.Errorf("remove explicit route to sink.%d on %s: %w", sink, mux, rerr.ErrMultiplexRouteNotFound)
}

func (o muxOps) ChangeDefaultRoute(mux *Multiplex, sink uint32) error {
	i, ok := mux.defaultRoute()
	if !ok {
		return fmt.Errorf("change default route of %s: %w", mux, rerr.ErrMultiplexRouteNotFound)
	}

	if mux.Routes[i].SinkIndex == sink {
		return nil
	}

	if err := o.backend.moveStream(mux.Routes[i].Stream, sink); err != nil {
		return fmt.Errorf("move default route of %s to sink.%d: %w", mux, sink, err)
	}
	mux.Routes[i].SinkIndex = sink

	return nil
}

func notFound(kind string, index uint32) error {
	return fmt.Errorf("%s.%d: %w", kind, index, rerr.ErrNotFound)
}

func notFoundByName(kind string, name string) error {
	return fmt.Errorf("%s %q: %w", kind, name, rerr.ErrNotFound)
}

package transport

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/mrouter/pkg/mrouter/audiomgr"
	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	published []published
	handlers  map[string]nats.MsgHandler
	failSub   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: make(map[string]nats.MsgHandler)}
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.published = append(f.published, published{subject, data})
	return nil
}

func (f *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.failSub {
		return nil, errors.New("no permission")
	}
	f.handlers[subject] = cb
	return nil, nil
}

func (f *fakeConn) deliver(t *testing.T, subject string, data string) {
	h, ok := f.handlers[subject]
	require.True(t, ok, "no subscription on %s", subject)
	h(&nats.Msg{Subject: subject, Data: []byte(data)})
}

type recordingHandler struct {
	domains     []audiomgr.DomainRegistered
	nodes       []audiomgr.NodeRegistered
	unregs      []audiomgr.NodeUnregistered
	connects    []audiomgr.ConnectRequest
	disconnects []audiomgr.DisconnectRequest
}

func (r *recordingHandler) OnDomainRegistered(msg audiomgr.DomainRegistered) {
	r.domains = append(r.domains, msg)
}

func (r *recordingHandler) OnNodeRegistered(msg audiomgr.NodeRegistered) {
	r.nodes = append(r.nodes, msg)
}

func (r *recordingHandler) OnNodeUnregistered(msg audiomgr.NodeUnregistered) {
	r.unregs = append(r.unregs, msg)
}

func (r *recordingHandler) OnConnect(req audiomgr.ConnectRequest) {
	r.connects = append(r.connects, req)
}

func (r *recordingHandler) OnDisconnect(req audiomgr.DisconnectRequest) {
	r.disconnects = append(r.disconnects, req)
}

var _ audiomgr.Transport = (*NATS)(nil)

func TestOutboundSubjectsAndPayloads(t *testing.T) {
	conn := newFakeConn()
	tr := New(zaptest.NewLogger(t).Sugar(), conn, "")

	require.NoError(t, tr.RegisterDomain(&audiomgr.DomainRegistration{Name: "PULSE", BusName: "pulsePlugin", NodeName: "pulsePlugin", State: 1}))
	require.NoError(t, tr.DomainComplete(5))
	require.NoError(t, tr.RegisterNode(audiomgr.MethodRegisterSink, &audiomgr.NodeRegistration{Key: "sink.speakers", Mute: 2}))
	require.NoError(t, tr.UnregisterNode(audiomgr.MethodDeregisterSource, &audiomgr.NodeUnregistration{ID: 3, Name: "player"}))
	require.NoError(t, tr.Acknowledge(audiomgr.MethodConnectAck, audiomgr.Ack{Handle: 7, Connection: 42, Error: audiomgr.ErrorNonExistent}))
	require.NoError(t, tr.UnregisterDomain(5))

	require.Len(t, conn.published, 6)

	var subjects []string
	for _, p := range conn.published {
		subjects = append(subjects, p.subject)
	}
	assert.Equal(t, []string{
		"audiomgr.register_domain",
		"audiomgr.domain_complete",
		"audiomgr.register_sink",
		"audiomgr.deregister_source",
		"audiomgr.ack_connect",
		"audiomgr.deregister_domain",
	}, subjects)

	assert.JSONEq(t, `{"id":5}`, string(conn.published[1].data))
	assert.JSONEq(t, `{"handle":7,"connection":42,"error":8}`, string(conn.published[4].data))

	var reg audiomgr.NodeRegistration
	require.NoError(t, json.Unmarshal(conn.published[2].data, &reg))
	assert.Equal(t, "sink.speakers", reg.Key)
	assert.Equal(t, uint16(2), reg.Mute)
	assert.NotContains(t, string(conn.published[2].data), "interrupt")
}

func TestInboundMessagesArePosted(t *testing.T) {
	conn := newFakeConn()
	tr := New(zaptest.NewLogger(t).Sugar(), conn, "am")
	h := &recordingHandler{}

	var queue []func()
	require.NoError(t, tr.Start(h, func(f func()) { queue = append(queue, f) }))

	conn.deliver(t, "am.domain_registered", `{"id":5,"state":1}`)
	conn.deliver(t, "am.node_registered", `{"id":3,"state":1,"key":"sink.speakers"}`)
	conn.deliver(t, "am.node_unregistered", `{"id":3,"name":"speakers"}`)
	conn.deliver(t, "am.connect", `{"handle":7,"connection":42,"source":3,"sink":9}`)
	conn.deliver(t, "am.disconnect", `{"handle":8,"connection":42}`)

	assert.Empty(t, h.domains, "nothing runs outside the event loop")
	require.Len(t, queue, 5)
	for _, f := range queue {
		f()
	}

	assert.Equal(t, []audiomgr.DomainRegistered{{ID: 5, State: audiomgr.DomainControlled}}, h.domains)
	assert.Equal(t, []audiomgr.NodeRegistered{{ID: 3, State: 1, Key: "sink.speakers"}}, h.nodes)
	assert.Equal(t, []audiomgr.NodeUnregistered{{ID: 3, Name: "speakers"}}, h.unregs)
	assert.Equal(t, []audiomgr.ConnectRequest{{Handle: 7, Connection: 42, Source: 3, Sink: 9}}, h.connects)
	assert.Equal(t, []audiomgr.DisconnectRequest{{Handle: 8, Connection: 42}}, h.disconnects)
}

func TestUndecodableMessagesAreDropped(t *testing.T) {
	conn := newFakeConn()
	tr := New(zaptest.NewLogger(t).Sugar(), conn, "")

	posted := 0
	require.NoError(t, tr.Start(&recordingHandler{}, func(func()) { posted++ }))

	conn.deliver(t, "audiomgr.connect", `{"handle":"seven"`)
	assert.Zero(t, posted)
}

func TestStartFailsWhenSubscribeFails(t *testing.T) {
	conn := newFakeConn()
	conn.failSub = true
	tr := New(zaptest.NewLogger(t).Sugar(), conn, "")

	assert.Error(t, tr.Start(&recordingHandler{}, func(f func()) { f() }))
	assert.NoError(t, tr.Stop())
}

type offlineConn struct {
	*fakeConn
}

func (offlineConn) IsConnected() bool { return false }

func TestPublishWhileDisconnected(t *testing.T) {
	conn := offlineConn{newFakeConn()}
	tr := New(zaptest.NewLogger(t).Sugar(), conn, "")

	err := tr.DomainComplete(5)
	assert.ErrorIs(t, err, rerr.ErrDomainDown)
	assert.Empty(t, conn.published)
}

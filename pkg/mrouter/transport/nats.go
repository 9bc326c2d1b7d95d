// Package transport carries the authority protocol over NATS. Every method
// is a subject under a common prefix and every payload is JSON.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MixyLabs/mrouter/pkg/mrouter/audiomgr"
	rerr "github.com/MixyLabs/mrouter/pkg/mrouter/errors"
)

const DefaultPrefix = "audiomgr"

// Conn is the part of *nats.Conn the transport uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Handler receives decoded inbound messages
type Handler interface {
	OnDomainRegistered(msg audiomgr.DomainRegistered)
	OnNodeRegistered(msg audiomgr.NodeRegistered)
	OnNodeUnregistered(msg audiomgr.NodeUnregistered)
	OnConnect(req audiomgr.ConnectRequest)
	OnDisconnect(req audiomgr.DisconnectRequest)
}

// NATS implements audiomgr.Transport
type NATS struct {
	logger *zap.SugaredLogger
	conn   Conn
	prefix string
	subs   []*nats.Subscription
}

// Connect dials the NATS server with reconnects enabled
func Connect(logger *zap.SugaredLogger, url string, name string, timeout time.Duration) (*nats.Conn, error) {
	logger = logger.Named("transport")

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infow("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return conn, nil
}

func New(logger *zap.SugaredLogger, conn Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	t := &NATS{
		logger: logger.Named("transport"),
		conn:   conn,
		prefix: prefix,
	}

	t.logger.Debugw("Created NATS transport instance", "prefix", prefix)

	return t
}

// Subject is the subject a method travels on
func (t *NATS) Subject(method audiomgr.Method) string {
	return t.prefix + "." + string(method)
}

// Start subscribes to the inbound methods. Decoded messages are handed to
// post so they run on the caller's event loop.
func (t *NATS) Start(h Handler, post func(func())) error {
	inbound := map[audiomgr.Method]func(data []byte) (func(), error){
		audiomgr.MethodDomainRegistered: func(data []byte) (func(), error) {
			var msg audiomgr.DomainRegistered
			err := json.Unmarshal(data, &msg)
			return func() { h.OnDomainRegistered(msg) }, err
		},
		audiomgr.MethodNodeRegistered: func(data []byte) (func(), error) {
			var msg audiomgr.NodeRegistered
			err := json.Unmarshal(data, &msg)
			return func() { h.OnNodeRegistered(msg) }, err
		},
		audiomgr.MethodNodeUnregistered: func(data []byte) (func(), error) {
			var msg audiomgr.NodeUnregistered
			err := json.Unmarshal(data, &msg)
			return func() { h.OnNodeUnregistered(msg) }, err
		},
		audiomgr.MethodConnect: func(data []byte) (func(), error) {
			var req audiomgr.ConnectRequest
			err := json.Unmarshal(data, &req)
			return func() { h.OnConnect(req) }, err
		},
		audiomgr.MethodDisconnect: func(data []byte) (func(), error) {
			var req audiomgr.DisconnectRequest
			err := json.Unmarshal(data, &req)
			return func() { h.OnDisconnect(req) }, err
		},
	}

	for _, method := range []audiomgr.Method{
		audiomgr.MethodDomainRegistered,
		audiomgr.MethodNodeRegistered,
		audiomgr.MethodNodeUnregistered,
		audiomgr.MethodConnect,
		audiomgr.MethodDisconnect,
	} {
		subject := t.Subject(method)
		decode := inbound[method]

		sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
			deliver, err := decode(msg.Data)
			if err != nil {
				t.logger.Warnw("Dropping undecodable message", "subject", msg.Subject, "error", err)
				return
			}
			post(deliver)
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		if sub != nil {
			t.subs = append(t.subs, sub)
		}

		t.logger.Debugw("Subscribed", "subject", subject)
	}

	return nil
}

// Stop removes the subscriptions made by Start
func (t *NATS) Stop() error {
	var err error
	for _, sub := range t.subs {
		err = multierr.Append(err, sub.Unsubscribe())
	}
	t.subs = nil

	return err
}

func (t *NATS) publish(method audiomgr.Method, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	if c, ok := t.conn.(interface{ IsConnected() bool }); ok && !c.IsConnected() {
		return fmt.Errorf("publish %s: %w", method, rerr.ErrDomainDown)
	}

	subject := t.Subject(method)
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	return nil
}

func (t *NATS) RegisterDomain(req *audiomgr.DomainRegistration) error {
	return t.publish(audiomgr.MethodRegisterDomain, req)
}

func (t *NATS) DomainComplete(id uint16) error {
	return t.publish(audiomgr.MethodDomainComplete, struct {
		ID uint16 `json:"id"`
	}{id})
}

func (t *NATS) UnregisterDomain(id uint16) error {
	return t.publish(audiomgr.MethodDeregisterDomain, struct {
		ID uint16 `json:"id"`
	}{id})
}

func (t *NATS) RegisterNode(method audiomgr.Method, req *audiomgr.NodeRegistration) error {
	return t.publish(method, req)
}

func (t *NATS) UnregisterNode(method audiomgr.Method, req *audiomgr.NodeUnregistration) error {
	return t.publish(method, req)
}

func (t *NATS) Acknowledge(method audiomgr.Method, ack audiomgr.Ack) error {
	return t.publish(method, ack)
}

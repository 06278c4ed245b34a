package connector

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/broker/selector"
	"github.com/glimte/mmate-connector/config"
	"github.com/glimte/mmate-connector/document"
)

// Property names set on messages forwarded to an error endpoint.
const (
	PropertyOriginalID   = "orig-id"
	PropertyProcessError = "process-error"
)

// Message formats understood by Send and Receive besides codec protocols.
const (
	FormatBase64     = "base64"
	FormatXML        = "xml"
	FormatXMLMessage = "xmlMessage"
)

var errNoErrorEndpoint = errors.New("connector: no error endpoint configured")

// Endpoint is one addressable queue or topic reached through a Manager.
type Endpoint struct {
	manager *Manager
	cfg     config.EndpointConfig

	name              string
	address           broker.Address
	dynamic           bool
	charset           string
	timeout           time.Duration
	protocol          string
	dynamicParameters string

	// errorEndpoint is resolved after every endpoint of the connector exists.
	errorEndpoint *Endpoint
	errorDisabled bool

	listeners []*Listener
	logger    *slog.Logger
}

func newEndpoint(m *Manager, cfg config.EndpointConfig) (*Endpoint, error) {
	ep := &Endpoint{
		manager:           m,
		cfg:               cfg,
		name:              cfg.Name,
		dynamic:           cfg.IsDynamic(),
		charset:           firstCharset(cfg.Charset, m.charset),
		timeout:           cfg.Timeout.Std(),
		protocol:          cfg.Protocol,
		dynamicParameters: strings.TrimPrefix(strings.TrimSpace(cfg.DynamicParameters), "?"),
	}
	ep.logger = m.logger.With("endpoint", ep.ID())
	if ep.timeout <= 0 {
		ep.timeout = m.timeout
	}
	if _, err := lookupCharset(ep.charset); err != nil {
		return nil, configError("endpoint", ep.ID(), err)
	}
	if !ep.dynamic {
		addr, err := broker.ParseAddress(cfg.Address)
		if err != nil {
			return nil, configError("endpoint", ep.ID(), err)
		}
		ep.address = addr
	}
	if ep.protocol != "" {
		if _, err := m.codecs.Lookup(ep.protocol); err != nil {
			return nil, configError("endpoint", ep.ID(), err)
		}
	}

	if t := cfg.Trigger; t != nil && ep.CanRead() {
		if ep.dynamic {
			return nil, configErrorf("trigger", ep.ID(), "a dynamic endpoint cannot have a trigger")
		}
		template, err := document.ParseString(t.Template)
		if err != nil {
			return nil, configErrorf("trigger", ep.ID(), "parse template: %w", err)
		}
		for i := 0; i < t.Concurrency; i++ {
			ep.listeners = append(ep.listeners, newListener(ep, *t, template, i))
		}
	}
	return ep, nil
}

// Name returns the endpoint name within its manager.
func (e *Endpoint) Name() string {
	return e.name
}

// ID returns the connector-wide name "manager.endpoint".
func (e *Endpoint) ID() string {
	return e.manager.name + "." + e.name
}

func (e *Endpoint) Manager() *Manager {
	return e.manager
}

// Dynamic reports whether the address is supplied per call.
func (e *Endpoint) Dynamic() bool {
	return e.dynamic
}

// Address returns the configured address. It is zero for dynamic endpoints.
func (e *Endpoint) Address() broker.Address {
	return e.address
}

func (e *Endpoint) CanRead() bool {
	return e.cfg.CanRead()
}

func (e *Endpoint) CanWrite() bool {
	return e.cfg.CanWrite()
}

func (e *Endpoint) Protocol() string {
	return e.protocol
}

// Listeners returns the trigger listeners bound to the endpoint.
func (e *Endpoint) Listeners() []*Listener {
	return append([]*Listener(nil), e.listeners...)
}

// ErrorEndpoint returns the bound error endpoint, else the manager default.
// It never returns e itself.
func (e *Endpoint) ErrorEndpoint() *Endpoint {
	if e.errorDisabled {
		return nil
	}
	if e.errorEndpoint != nil {
		return e.errorEndpoint
	}
	if d := e.manager.defaultError.Load(); d != nil && d != e {
		return d
	}
	return nil
}

// resolve returns the broker address for one operation. Dynamic endpoints
// require physical; static endpoints reject it.
func (e *Endpoint) resolve(op, physical string) (broker.Address, error) {
	physical = strings.TrimSpace(physical)
	if !e.dynamic {
		if physical != "" {
			return broker.Address{}, configErrorf(op, e.ID(), "physical address can only be specified for a dynamic endpoint")
		}
		return e.address, nil
	}
	if physical == "" {
		return broker.Address{}, configErrorf(op, e.ID(), "physical address must be specified for a dynamic endpoint")
	}
	addr, err := broker.ParseAddress(broker.MergeParams(physical, e.dynamicParameters))
	if err != nil {
		return broker.Address{}, configError(op, e.ID(), err)
	}
	return addr, nil
}

// SendOptions describe one outbound message.
type SendOptions struct {
	// Message is the wrapper element whose content is the payload.
	Message *document.Node
	// Format is "", FormatBase64 or a codec protocol name.
	Format string
	// Binary sends a bytes message encoded in the endpoint charset.
	Binary          bool
	PhysicalAddress string

	ReplyTo                *Endpoint
	ReplyToPhysicalAddress string

	CorrelationID string
	MessageID     string
	Persistent    *bool
	Expiration    time.Duration
	// Priority must be within 0..9 when set.
	Priority   *int
	Type       string
	Properties broker.Properties
}

// Send encodes the payload and sends it on session. It returns the
// broker-assigned message id.
func (e *Endpoint) Send(ctx context.Context, session broker.Session, opts SendOptions) (id string, err error) {
	start := time.Now()
	defer func() { e.manager.metrics.observe(e.manager.name, e.name, "send", start, err) }()

	if p := opts.Priority; p != nil && (*p < 0 || *p > 9) {
		return "", &ValidationError{Field: "priority", Value: strconv.Itoa(*p), Reason: "only a priority between 0 and 9 is allowed"}
	}
	if !e.CanWrite() {
		return "", fmt.Errorf("send to %s: %w", e.ID(), ErrNoWrite)
	}
	if opts.Message == nil {
		return "", &ValidationError{Field: "message", Reason: "cannot be empty"}
	}
	dest, err := e.resolve("send", opts.PhysicalAddress)
	if err != nil {
		return "", err
	}
	var replyTo broker.Address
	if opts.ReplyTo != nil {
		if replyTo, err = opts.ReplyTo.resolve("reply-to", opts.ReplyToPhysicalAddress); err != nil {
			return "", err
		}
	}

	msg, err := e.encode(opts)
	if err != nil {
		return "", err
	}
	msg.ID = opts.MessageID
	msg.CorrelationID = opts.CorrelationID
	msg.Type = opts.Type
	msg.ReplyTo = replyTo
	msg.Persistent = opts.Persistent
	msg.Expiration = opts.Expiration
	if opts.Priority != nil {
		msg.Priority = *opts.Priority
	}
	for k, v := range opts.Properties {
		msg.Properties[k] = v
	}
	broker.ApplyAddressDefaults(msg, dest)

	if err := runSendHooks(ctx, e.manager.hooks, e, msg); err != nil {
		return "", err
	}
	return e.publish(ctx, session, dest, msg)
}

// publish sends msg as is. Send hooks are applied by Send only.
func (e *Endpoint) publish(ctx context.Context, session broker.Session, dest broker.Address, msg *broker.Message) (string, error) {
	id, err := session.Send(ctx, dest, msg)
	if err != nil {
		return "", e.manager.brokerError("send", err)
	}
	e.logger.Debug("message sent", "destination", dest.String(), "message_id", id)
	return id, nil
}

func (e *Endpoint) encode(opts SendOptions) (*broker.Message, error) {
	format := opts.Format
	if strings.EqualFold(format, FormatBase64) {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payloadText(opts.Message)))
		if err != nil {
			return nil, &ValidationError{Field: "message", Reason: "invalid base64 content"}
		}
		msg := broker.NewMessage(data)
		msg.BodyKind = broker.BytesBody
		return msg, nil
	}

	var text string
	if format == "" && e.protocol == "" {
		text = payloadText(opts.Message)
	} else {
		protocol := format
		if protocol == "" {
			protocol = e.protocol
		}
		codec, err := e.manager.codecs.Lookup(protocol)
		if err != nil {
			return nil, err
		}
		var first *document.Node
		if els := opts.Message.Elements(); len(els) > 0 {
			first = els[0]
		}
		data, err := codec.Encode(first)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", protocol, err)
		}
		text = string(data)
	}

	if !opts.Binary {
		return broker.NewMessage([]byte(text)), nil
	}
	data, err := encodeText(text, e.charset)
	if err != nil {
		return nil, err
	}
	msg := broker.NewMessage(data)
	msg.BodyKind = broker.BytesBody
	return msg, nil
}

// payloadText flattens the content of a message wrapper. A single child
// element is serialized on its own, pure text is concatenated and mixed
// content serializes the wrapper itself.
func payloadText(n *document.Node) string {
	els := n.Elements()
	switch {
	case len(els) == 1:
		return els[0].String()
	case len(els) == 0:
		return n.InnerText()
	}
	return n.String()
}

// ReceiveOptions describe one synchronous receive.
type ReceiveOptions struct {
	PhysicalAddress string
	Selector        string
	// Wait blocks up to Timeout, or the endpoint timeout when Timeout is not
	// positive. Without Wait the receive returns immediately.
	Wait          bool
	CorrelationID string
	Timeout       time.Duration
	// Format is "", FormatBase64, FormatXML, FormatXMLMessage or a codec
	// protocol name.
	Format string
}

// Received is a message taken off the broker together with its rendered
// representation.
type Received struct {
	Message *broker.Message
	// Result holds the rendered body followed by the provenance elements.
	Result *document.Node
}

// Receive consumes at most one message. It returns nil, nil when no message
// arrived.
func (e *Endpoint) Receive(ctx context.Context, session broker.Session, opts ReceiveOptions) (rcv *Received, err error) {
	start := time.Now()
	defer func() { e.manager.metrics.observe(e.manager.name, e.name, "receive", start, err) }()

	if !e.CanRead() {
		return nil, fmt.Errorf("receive from %s: %w", e.ID(), ErrNoRead)
	}
	src, err := e.resolve("receive", opts.PhysicalAddress)
	if err != nil {
		return nil, err
	}
	consumer, err := session.CreateConsumer(src, correlationSelector(opts.Selector, opts.CorrelationID))
	if err != nil {
		return nil, e.manager.brokerError("create consumer", err)
	}
	defer consumer.Close()

	var msg *broker.Message
	if opts.Wait {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = e.timeout
		}
		msg, err = consumer.Receive(ctx, timeout)
	} else {
		msg, err = consumer.ReceiveNoWait()
	}
	if err != nil {
		return nil, e.manager.brokerError("receive", err)
	}
	if msg == nil {
		return nil, nil
	}

	result, err := e.render(msg, src, opts.Format)
	if err != nil {
		if ferr := e.forwardToError(ctx, nil, msg, err); ferr != nil && !errors.Is(ferr, errNoErrorEndpoint) {
			e.logger.Error("failed to forward message to error endpoint", "message_id", msg.ID, "error", ferr)
		}
		return nil, err
	}
	return &Received{Message: msg, Result: result}, nil
}

// correlationSelector restricts sel to messages carrying correlationID.
func correlationSelector(sel, correlationID string) string {
	if correlationID == "" {
		return sel
	}
	clause := "JMSCorrelationID = " + selector.Quote(correlationID)
	if strings.TrimSpace(sel) == "" {
		return clause
	}
	return "(" + sel + ") AND " + clause
}

func (e *Endpoint) render(msg *broker.Message, src broker.Address, format string) (*document.Node, error) {
	if msg.Destination.IsZero() {
		msg.Destination = src
	}
	result := document.Element("result")

	if strings.EqualFold(format, FormatBase64) {
		result.AddText("message", base64.StdEncoding.EncodeToString(msg.Body))
		return e.appendProvenance(result, msg), nil
	}

	text, err := bodyText(msg, e.charset)
	if err != nil {
		return nil, err
	}
	switch {
	case format == "" && e.protocol == "":
		result.AddText("message", text)
	case format == FormatXML:
		n, err := document.ParseString(text)
		if err != nil {
			return nil, fmt.Errorf("parse message body: %w", err)
		}
		result.Add(n)
	case format == FormatXMLMessage:
		n, err := document.ParseString(text)
		if err != nil {
			return nil, fmt.Errorf("parse message body: %w", err)
		}
		result.Add(document.Element("message", n))
	default:
		protocol := format
		if protocol == "" {
			protocol = e.protocol
		}
		n, err := e.decode(protocol, text)
		if err != nil {
			return nil, err
		}
		result.Add(document.Element("message", n))
	}
	return e.appendProvenance(result, msg), nil
}

func (e *Endpoint) decode(protocol, text string) (*document.Node, error) {
	codec, err := e.manager.codecs.Lookup(protocol)
	if err != nil {
		return nil, err
	}
	n, err := codec.Decode([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", protocol, err)
	}
	return n, nil
}

// bodyText returns the body as a string. Bytes bodies are decoded from
// charset; text bodies are UTF-8.
func bodyText(msg *broker.Message, charset string) (string, error) {
	if msg.BodyKind == broker.BytesBody {
		return decodeText(msg.Body, charset)
	}
	return string(msg.Body), nil
}

func (e *Endpoint) appendProvenance(result *document.Node, msg *broker.Message) *document.Node {
	result.AddText("messageid", msg.ID)
	result.AddText("correlationid", msg.CorrelationID)
	result.AddText("jmstype", msg.Type)
	result.Add(e.addressNode("reply2destination", msg.ReplyTo))
	result.Add(e.addressNode("fromdestination", msg.Destination))
	return result.Add(propertiesNode(msg.Properties))
}

func (e *Endpoint) addressNode(name string, a broker.Address) *document.Node {
	ref, physical := e.describeAddress(a)
	n := document.ElementText(name, ref)
	if physical != "" {
		n.SetAttr("physical-name", physical)
	}
	return n
}

func propertiesNode(props broker.Properties) *document.Node {
	n := document.Element("properties")
	for _, name := range props.Names() {
		v := props[name]
		n.Add(document.ElementText("property", fmt.Sprint(v)).
			SetAttr("name", name).
			SetAttr("type", broker.TypeName(v)))
	}
	return n
}

// describeAddress reports a broker address as an endpoint reference. A known
// static endpoint is reported by name alone. Anything else is reported
// through the manager's default dynamic endpoint, or e itself, together with
// the physical address merged with that endpoint's dynamic parameters.
func (e *Endpoint) describeAddress(a broker.Address) (ref, physical string) {
	if a.IsZero() {
		return "", ""
	}
	if ep, ok := e.manager.directory.Lookup(a); ok && !a.Temporary {
		return ep.ID(), ""
	}
	via := e
	if d := e.manager.defaultDynamic.Load(); d != nil {
		via = d
	}
	raw := a.Name
	if a.Kind == broker.Topic {
		raw = a.String()
	}
	return via.ID(), broker.MergeParams(raw, via.dynamicParameters)
}

// forwardToError sends a copy of msg to the error endpoint with the failure
// attached. When via belongs to the error endpoint's manager the copy is sent
// on via and the caller commits it; otherwise a session of the error
// manager is opened, committed and closed here.
func (e *Endpoint) forwardToError(ctx context.Context, via broker.Session, msg *broker.Message, cause error) error {
	target := e.ErrorEndpoint()
	if target == nil {
		return errNoErrorEndpoint
	}

	out := msg.Clone()
	for name := range out.Properties {
		if strings.HasPrefix(name, "JMSX") {
			delete(out.Properties, name)
		}
	}
	out.Properties[PropertyOriginalID] = msg.ID
	out.Properties[PropertyProcessError] = errorDetail(cause)
	out.ID = ""
	out.Destination = broker.Address{}
	out.Redelivered = false
	out.DeliveryCount = 0

	if via != nil && target.manager == e.manager {
		_, err := target.publish(ctx, via, target.address, out)
		return err
	}

	session, err := target.manager.CreateSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()
	if _, err := target.publish(ctx, session, target.address, out); err != nil {
		_ = session.Rollback()
		return err
	}
	if err := session.Commit(); err != nil {
		return target.manager.brokerError("commit", err)
	}
	e.logger.Info("message forwarded to error endpoint", "message_id", msg.ID, "error_endpoint", target.ID())
	return nil
}

// errorDetail renders err for the process-error property. Fault details are
// used as reported by the host.
func errorDetail(err error) string {
	var fault *FaultError
	if errors.As(err, &fault) && fault.Detail != nil {
		if els := fault.Detail.Elements(); len(els) > 0 {
			parts := make([]string, len(els))
			for i, el := range els {
				parts[i] = el.String()
			}
			return strings.Join(parts, "")
		}
		if s := strings.TrimSpace(fault.Detail.InnerText()); s != "" {
			return s
		}
	}
	return errorTrace(err)
}

// errorTrace lists err and every error it wraps, one per line.
func errorTrace(err error) string {
	var lines []string
	for err != nil {
		lines = append(lines, fmt.Sprintf("%T: %v", err, err))
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				lines = append(lines, "\t"+errorTrace(inner))
			}
			err = nil
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			err = nil
		}
	}
	return strings.Join(lines, "\n")
}

// restart rebinds every listener to conn.
func (e *Endpoint) restart(conn broker.Connection) error {
	var errs []error
	for _, l := range e.listeners {
		if l.Consuming() {
			continue
		}
		if err := l.createConsumer(conn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stop releases the listeners' broker resources. With stopOnly false the
// listeners are closed for good and the endpoint leaves the directory.
func (e *Endpoint) stop(stopOnly bool) {
	for _, l := range e.listeners {
		if stopOnly {
			l.stop()
		} else {
			l.Close()
		}
	}
	if !stopOnly {
		e.manager.directory.Unregister(e)
	}
}

// initializedCorrectly reports whether every listener is consuming.
func (e *Endpoint) initializedCorrectly() bool {
	for _, l := range e.listeners {
		if !l.Consuming() {
			return false
		}
	}
	return true
}

package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/document"
)

// Actions selected by the "action" element of a method implementation.
const (
	ActionSend    = "send"
	ActionGet     = "get"
	ActionRequest = "request"
)

// Property override modes of <properties override="...">.
const (
	overrideRewrite = "rewrite"
	overrideNone    = "none"
	overrideChange  = "change"
)

// Process serves one host request. impl is the method implementation that
// selects the action and supplies fixed parameters; request carries the
// caller's parameters. Failures are returned as fault responses and the
// transaction is rolled back.
func (c *Connector) Process(ctx context.Context, request, impl *document.Node) *document.Node {
	if request == nil {
		request = document.Element("request")
	}
	if impl == nil {
		impl = document.Element("implementation")
	}

	t := c.NewTransaction()
	action := strings.ToLower(strings.TrimSpace(impl.ChildText("action")))
	resp, err := t.run(ctx, action, params{request: request, impl: impl})
	if err != nil {
		t.Abort()
		c.logger.Error("request failed", "action", action, "error", err)
		return NewFault(ServerException, err.Error(), document.ElementText("trace", errorTrace(err)))
	}
	t.Commit()
	return resp
}

func (t *Transaction) run(ctx context.Context, action string, p params) (*document.Node, error) {
	switch action {
	case ActionSend:
		return t.runSend(ctx, p)
	case ActionGet:
		return t.runGet(ctx, p)
	case ActionRequest:
		return t.runRequest(ctx, p)
	case "":
		return nil, &ValidationError{Field: "action", Reason: "invalid method request"}
	}
	return nil, &ValidationError{Field: "action", Value: action, Reason: "unknown action"}
}

func (t *Transaction) runSend(ctx context.Context, p params) (*document.Node, error) {
	dest, opts, err := p.sendOptions()
	if err != nil {
		return nil, err
	}
	if replyTo, physical := p.endpointRef("reply2destination"); replyTo != "" {
		ep, err := t.c.Endpoint(replyTo)
		if err != nil {
			return nil, err
		}
		opts.ReplyTo = ep
		opts.ReplyToPhysicalAddress = physical
	}
	id, err := t.Send(ctx, dest, opts)
	if err != nil {
		return nil, err
	}
	return document.Element("response", document.ElementText("messageid", id)), nil
}

func (t *Transaction) runGet(ctx context.Context, p params) (*document.Node, error) {
	dest, physical := p.endpointRef("destination")
	if dest == "" {
		return nil, &ValidationError{Field: "destination", Reason: "cannot be empty"}
	}
	wait, err := p.boolean("waitformessage", true)
	if err != nil {
		return nil, err
	}
	timeout, err := p.millis("timeout")
	if err != nil {
		return nil, err
	}
	format := p.text("messageformat", "")
	if format == "" {
		format = p.text("responsemessageformat", "")
	}

	rcv, err := t.Receive(ctx, dest, ReceiveOptions{
		PhysicalAddress: physical,
		Selector:        p.text("messageselector", ""),
		Wait:            wait,
		CorrelationID:   p.text("correlationid", ""),
		Timeout:         timeout,
		Format:          format,
	})
	if err != nil {
		return nil, err
	}
	return receivedResponse(rcv), nil
}

func (t *Transaction) runRequest(ctx context.Context, p params) (*document.Node, error) {
	dest, send, err := p.sendOptions()
	if err != nil {
		return nil, err
	}
	replyTo, physical := p.endpointRef("reply2destination")
	if replyTo == "" {
		return nil, &ValidationError{Field: "reply2destination", Reason: "cannot be empty"}
	}
	send.ReplyToPhysicalAddress = physical

	useCorrelation, err := p.boolean("usecorrelation", true)
	if err != nil {
		return nil, err
	}
	if !useCorrelation {
		send.CorrelationID = ""
	}
	timeout, err := p.millis("timeout")
	if err != nil {
		return nil, err
	}
	format := p.text("responsemessageformat", "")
	if format == "" {
		format = send.Format
	}

	rcv, err := t.Request(ctx, dest, RequestOptions{
		Send:           send,
		ReplyTo:        replyTo,
		Reply:          ReceiveOptions{Timeout: timeout, Format: format},
		UseCorrelation: useCorrelation,
	})
	if err != nil {
		return nil, err
	}
	return receivedResponse(rcv), nil
}

func receivedResponse(rcv *Received) *document.Node {
	resp := document.Element("response")
	if rcv != nil {
		resp.Add(rcv.Result.Children...)
	}
	return resp
}

// params resolves request parameters against the method implementation.
// An implementation value wins unless it is marked overridable="true".
type params struct {
	request *document.Node
	impl    *document.Node
}

func (p params) node(name string) *document.Node {
	in := p.impl.Child(name)
	if in == nil || in.Attr("overridable") == "true" {
		if rn := p.request.Child(name); rn != nil {
			return rn
		}
	}
	return in
}

func (p params) text(name, def string) string {
	if n := p.node(name); n != nil {
		return strings.TrimSpace(n.InnerText())
	}
	return def
}

// endpointRef returns an endpoint name and its physical-name attribute.
func (p params) endpointRef(name string) (string, string) {
	n := p.node(name)
	if n == nil {
		return "", ""
	}
	return strings.TrimSpace(n.InnerText()), strings.TrimSpace(n.Attr("physical-name"))
}

func (p params) boolean(name string, def bool) (bool, error) {
	v := p.text(name, "")
	switch v {
	case "":
		return def, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &ValidationError{Field: name, Value: v, Reason: "must be true or false"}
}

func (p params) long(name string, def int64) (int64, error) {
	v := p.text(name, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: name, Value: v, Reason: "not a number"}
	}
	return n, nil
}

// millis reads a duration given in milliseconds. Absent or non-positive
// values yield zero.
func (p params) millis(name string) (time.Duration, error) {
	ms, err := p.long(name, -1)
	if err != nil || ms <= 0 {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (p params) sendOptions() (string, SendOptions, error) {
	var opts SendOptions
	dest, physical := p.endpointRef("destination")
	if dest == "" {
		return "", opts, &ValidationError{Field: "destination", Reason: "cannot be empty"}
	}
	opts.PhysicalAddress = physical

	if opts.Message = p.node("message"); opts.Message == nil {
		return "", opts, &ValidationError{Field: "message", Reason: "cannot be empty"}
	}
	opts.Format = p.text("messageformat", "")
	opts.Binary = !strings.EqualFold(p.text("messagetype", "text"), "text")
	opts.MessageID = p.text("messageid", "")
	opts.Type = p.text("jmstype", "")

	opts.CorrelationID = p.text("correlationid", "")
	create, err := p.boolean("createcorrelationid", false)
	if err != nil {
		return "", opts, err
	}
	if create && opts.CorrelationID == "" {
		opts.CorrelationID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	if p.text("persistentdelivery", "") != "" {
		persistent, err := p.boolean("persistentdelivery", false)
		if err != nil {
			return "", opts, err
		}
		opts.Persistent = &persistent
	}
	expiration, err := p.long("expiration", -1)
	if err != nil {
		return "", opts, err
	}
	if expiration > 0 {
		opts.Expiration = time.Duration(expiration) * time.Millisecond
	}
	priority, err := p.long("priority", -1)
	if err != nil {
		return "", opts, err
	}
	if priority != -1 {
		v := int(priority)
		opts.Priority = &v
	}

	if opts.Properties, err = p.properties(); err != nil {
		return "", opts, err
	}
	return dest, opts, nil
}

// properties merges implementation and request properties. The override
// attribute of the implementation element selects the mode: "rewrite" lets
// request properties replace the implementation set, "change" lets request
// values overwrite individual properties, and "none" ignores the request.
// Without the attribute request properties are only added.
func (p params) properties() (broker.Properties, error) {
	implProps := p.impl.Child("properties")
	reqProps := p.request.Child("properties")
	mode := ""
	if implProps != nil {
		mode = strings.ToLower(implProps.Attr("override"))
	}

	props := broker.Properties{}
	if implProps != nil && !(mode == overrideRewrite && reqProps != nil) {
		if err := addProperties(props, implProps, true); err != nil {
			return nil, err
		}
	}
	if reqProps != nil && mode != overrideNone {
		overwrite := implProps == nil || mode == overrideChange || mode == overrideRewrite
		if err := addProperties(props, reqProps, overwrite); err != nil {
			return nil, err
		}
	}
	return props, nil
}

func addProperties(props broker.Properties, n *document.Node, overwrite bool) error {
	for _, el := range n.Elements() {
		if el.Name != "property" {
			continue
		}
		name := strings.TrimSpace(el.Attr("name"))
		if name == "" {
			return &ValidationError{Field: "property", Reason: "name is required"}
		}
		if _, exists := props[name]; exists && !overwrite {
			continue
		}
		v, err := propertyValue(el.Attr("type"), el.InnerText())
		if err != nil {
			return &ValidationError{Field: "property " + name, Value: el.InnerText(), Reason: err.Error()}
		}
		props[name] = v
	}
	return nil
}

var errNoPropertyType = errors.New("type is required")

func propertyValue(typ, raw string) (any, error) {
	if typ == "String" {
		return raw, nil
	}
	raw = strings.TrimSpace(raw)
	switch typ {
	case "":
		return nil, errNoPropertyType
	case "Boolean":
		return strconv.ParseBool(raw)
	case "Byte":
		v, err := strconv.ParseInt(raw, 10, 8)
		return int8(v), err
	case "Short":
		v, err := strconv.ParseInt(raw, 10, 16)
		return int16(v), err
	case "Integer":
		v, err := strconv.ParseInt(raw, 10, 32)
		return int32(v), err
	case "Long":
		return strconv.ParseInt(raw, 10, 64)
	case "Float":
		v, err := strconv.ParseFloat(raw, 32)
		return float32(v), err
	case "Double":
		return strconv.ParseFloat(raw, 64)
	}
	return nil, fmt.Errorf("unsupported type %q", typ)
}

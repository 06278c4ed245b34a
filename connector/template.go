package connector

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/document"
)

// Template placeholders. A placeholder must be the whole attribute value or
// the whole text of a node; anything else is copied as is.
const (
	PlaceholderMessageID      = "{$messageid}"
	PlaceholderReplyTo        = "{$reply2destination}"
	PlaceholderFrom           = "{$fromdestination}"
	PlaceholderProtocol       = "{$messageprotocol}"
	PlaceholderCorrelationID  = "{$correlationid}"
	PlaceholderType           = "{$jmstype}"
	PlaceholderBody           = "{$inputmessage}"
	PlaceholderBodyBase64     = "{$inputmessagebase64}"
	PlaceholderBodyXML        = "{$inputmessageinxml}"
	PlaceholderDecodedMessage = "{$xmlmessage}"
	PlaceholderProperties     = "{$properties}"
)

type templateInput struct {
	ep      *Endpoint
	msg     *broker.Message
	text    string
	decoded *document.Node
}

// fillTemplate builds the invocation request for msg.
func (l *Listener) fillTemplate(msg *broker.Message, text string, decoded *document.Node) (*document.Node, error) {
	in := &templateInput{ep: l.endpoint, msg: msg, text: text, decoded: decoded}
	request := l.template.Clone()
	if err := in.fill(request); err != nil {
		return nil, fmt.Errorf("fill template: %w", err)
	}
	return request, nil
}

func (in *templateInput) fill(n *document.Node) error {
	for i := range n.Attrs {
		if v, ok := in.attribute(strings.TrimSpace(n.Attrs[i].Value)); ok {
			n.Attrs[i].Value = v
		}
	}

	children := n.Children
	n.Children = nil
	for _, c := range children {
		if !c.IsText() {
			if err := in.fill(c); err != nil {
				return err
			}
			n.Children = append(n.Children, c)
			continue
		}
		// Content placeholders may append nodes to n.
		n.Children = append(n.Children, c)
		if err := in.content(n, c); err != nil {
			return err
		}
	}

	kept := n.Children[:0]
	for _, c := range n.Children {
		if c.IsText() && c.Text == "" {
			continue
		}
		kept = append(kept, c)
	}
	n.Children = kept
	return nil
}

func (in *templateInput) attribute(placeholder string) (string, bool) {
	msg := in.msg
	switch placeholder {
	case PlaceholderMessageID:
		return msg.ID, true
	case PlaceholderReplyTo:
		return preferPhysical(in.ep.describeAddress(msg.ReplyTo)), true
	case PlaceholderFrom:
		return preferPhysical(in.ep.describeAddress(msg.Destination)), true
	case PlaceholderProtocol:
		return in.ep.protocol, true
	case PlaceholderCorrelationID:
		return msg.CorrelationID, true
	case PlaceholderType:
		return msg.Type, true
	}
	return "", false
}

func preferPhysical(ref, physical string) string {
	if physical != "" {
		return physical
	}
	return ref
}

func (in *templateInput) content(parent, t *document.Node) error {
	msg := in.msg
	switch strings.TrimSpace(t.Text) {
	case PlaceholderBodyBase64:
		t.Text = base64.StdEncoding.EncodeToString(msg.Body)
	case PlaceholderBody:
		t.Text = in.text
	case PlaceholderBodyXML:
		body, err := document.ParseString(in.text)
		if err != nil {
			return fmt.Errorf("parse message body: %w", err)
		}
		t.Text = ""
		parent.Add(body)
	case PlaceholderDecodedMessage:
		body := in.decoded
		if body == nil {
			var err error
			if body, err = document.ParseString(in.text); err != nil {
				return fmt.Errorf("parse message body: %w", err)
			}
		}
		t.Text = ""
		parent.Add(body.Clone())
	case PlaceholderMessageID:
		t.Text = msg.ID
	case PlaceholderReplyTo:
		in.address(parent, t, msg.ReplyTo)
	case PlaceholderFrom:
		in.address(parent, t, msg.Destination)
	case PlaceholderProtocol:
		t.Text = in.ep.protocol
	case PlaceholderCorrelationID:
		t.Text = msg.CorrelationID
	case PlaceholderType:
		t.Text = msg.Type
	case PlaceholderProperties:
		t.Text = ""
		parent.Add(propertiesNode(msg.Properties).Children...)
	}
	return nil
}

func (in *templateInput) address(parent, t *document.Node, a broker.Address) {
	ref, physical := in.ep.describeAddress(a)
	t.Text = ref
	if physical != "" {
		parent.SetAttr("physical-name", physical)
	}
}

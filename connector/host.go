package connector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-connector/document"
)

// ServerException is the fault code used for request processing failures.
const ServerException = "Server.Exception"

// Invoker calls a service in the host runtime. A fault is returned as a
// response for which IsFault reports true.
type Invoker interface {
	Invoke(ctx context.Context, request *document.Node, timeout time.Duration) (*document.Node, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, request *document.Node, timeout time.Duration) (*document.Node, error)

func (f InvokerFunc) Invoke(ctx context.Context, request *document.Node, timeout time.Duration) (*document.Node, error) {
	return f(ctx, request, timeout)
}

// NewFault builds a fault response.
func NewFault(code, message string, detail *document.Node) *document.Node {
	f := document.Element("Fault",
		document.ElementText("faultcode", code),
		document.ElementText("faultstring", message),
	)
	d := document.Element("detail")
	if detail != nil {
		d.Add(detail)
	}
	return f.Add(d)
}

// IsFault reports whether n is a fault response.
func IsFault(n *document.Node) bool {
	return n != nil && (n.Name == "Fault" || strings.HasSuffix(n.Name, ":Fault"))
}

// FaultFromNode converts a fault response into an error.
func FaultFromNode(n *document.Node) *FaultError {
	fe := &FaultError{
		Code:    n.ChildText("faultcode"),
		Message: n.ChildText("faultstring"),
	}
	if d := n.Child("detail"); d != nil {
		fe.Detail = d
	}
	return fe
}

// Codec converts payloads for one wire protocol.
type Codec interface {
	Encode(n *document.Node) ([]byte, error)
	Decode(data []byte) (*document.Node, error)
}

// CodecRegistry holds codecs keyed by protocol name.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: make(map[string]Codec)}
}

// Register binds a codec to a protocol name.
func (r *CodecRegistry) Register(protocol string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[protocol] = c
}

// Lookup returns the codec for protocol.
func (r *CodecRegistry) Lookup(protocol string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[protocol]
	if !ok {
		return nil, &ConfigurationError{Op: "codec", Subject: protocol, Err: ErrNoCodec}
	}
	return c, nil
}

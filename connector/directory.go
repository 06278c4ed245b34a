package connector

import (
	"sync"

	"github.com/glimte/mmate-connector/broker"
)

// Directory maps physical broker addresses to the static endpoints bound to
// them. One directory is shared by every manager of a Connector.
type Directory struct {
	mu         sync.RWMutex
	byPhysical map[string]*Endpoint
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{byPhysical: make(map[string]*Endpoint)}
}

func directoryKey(a broker.Address) string {
	return a.Kind.String() + "://" + a.Physical()
}

// Register binds ep to its physical address. Dynamic endpoints are ignored.
func (d *Directory) Register(ep *Endpoint) {
	if ep.Dynamic() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byPhysical[directoryKey(ep.address)] = ep
}

// Unregister removes ep if it is still the endpoint bound to its address.
func (d *Directory) Unregister(ep *Endpoint) {
	if ep.Dynamic() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := directoryKey(ep.address)
	if d.byPhysical[key] == ep {
		delete(d.byPhysical, key)
	}
}

// Lookup returns the endpoint bound to the address, ignoring parameters.
func (d *Directory) Lookup(a broker.Address) (*Endpoint, bool) {
	if a.IsZero() {
		return nil, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ep, ok := d.byPhysical[directoryKey(a)]
	return ep, ok
}

// Len returns the number of registered endpoints.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byPhysical)
}

// Package services tracks the services user VPEs register with the kernel
// and delivers kernel-initiated requests to them through their send gates.
package services

import (
	"log"

	"github.com/tilelab/mantle/dtu"
	"github.com/tilelab/mantle/kif"
)

// A Service is a registered service: a name plus the receive endpoint the
// kernel reaches it on.
type Service struct {
	name  string
	pe    int
	ep    int
	label uint64
}

// Name returns the service name.
func (s *Service) Name() string {
	return s.name
}

// List is the registry of live services.
type List struct {
	dtu      *dtu.DTU
	services []*Service
}

// NewList creates an empty registry.
func NewList(d *dtu.DTU) *List {
	return &List{dtu: d}
}

// Register adds a service reachable at the given PE and endpoint.
func (l *List) Register(name string, pe, ep int, label uint64) (*Service, error) {
	if l.Find(name) != nil {
		return nil, kif.ErrInvArgs
	}

	s := &Service{name: name, pe: pe, ep: ep, label: label}
	l.services = append(l.services, s)
	return s, nil
}

// Remove drops a service from the registry.
func (l *List) Remove(s *Service) {
	for i, e := range l.services {
		if e == s {
			l.services = append(l.services[:i], l.services[i+1:]...)
			return
		}
	}
}

// Find returns the service with the given name, nil if there is none.
func (l *List) Find(name string) *Service {
	for _, s := range l.services {
		if s.name == name {
			return s
		}
	}
	return nil
}

// Len returns the number of registered services.
func (l *List) Len() int {
	return len(l.services)
}

// Send delivers an opcode-only request to a service.
func (l *List) Send(s *Service, op kif.ServiceOp) error {
	msg := &dtu.Message{Label: s.label, Payload: op}
	return l.dtu.Send(s.pe, s.ep, msg)
}

// Shutdown asks every registered service to shut down.
func (l *List) Shutdown() {
	for _, s := range l.services {
		log.Printf("sending SHUTDOWN message to %s", s.name)
		if err := l.Send(s, kif.ServiceShutdown); err != nil {
			log.Printf("shutdown of %s failed: %v", s.name, err)
		}
	}
}

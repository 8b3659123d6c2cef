// Package model defines the controller-facing data model: services the
// application can reach and the sessions that grant access to them.
package model

import (
	"encoding/json"
	"fmt"
)

// Session types requested from the controller.
const (
	SessionDial = "Dial"
	SessionBind = "Bind"
)

// Permission flags folded from a service's permissions array.
const (
	CanDial uint32 = 1 << 0
	CanBind uint32 = 1 << 1
)

// Service describes a named service and what this identity may do with it.
type Service struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Permissions        []string `json:"permissions"`
	EncryptionRequired bool     `json:"encryptionRequired"`
	Hostable           bool     `json:"hostable"`

	// PermFlags is derived from Permissions by FoldPermissions.
	PermFlags uint32 `json:"-"`
}

// FoldPermissions derives PermFlags from the permissions array.
func (s *Service) FoldPermissions() {
	for _, p := range s.Permissions {
		switch p {
		case SessionDial:
			s.PermFlags |= CanDial
		case SessionBind:
			s.PermFlags |= CanBind
		}
	}
}

// CanDial reports whether this identity may dial the service.
func (s *Service) CanDial() bool { return s.PermFlags&CanDial != 0 }

// CanBind reports whether this identity may host the service.
func (s *Service) CanBind() bool { return s.PermFlags&CanBind != 0 }

// EdgeRouter is one candidate relay for a session.
type EdgeRouter struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	URLs     struct {
		TLS string `json:"tls"`
	} `json:"urls"`
}

// Ingress returns the router's ingress address.
func (er *EdgeRouter) Ingress() string {
	return er.URLs.TLS
}

// Session is a controller-issued grant: a token authorizing access to a
// service through a set of edge routers.
type Session struct {
	ID       string        `json:"id"`
	Token    string        `json:"token"`
	Type     string        `json:"type"`
	Gateways []*EdgeRouter `json:"gateways"`

	// ServiceID keys the session cache; set by the caller that fetched it.
	ServiceID string `json:"-"`
}

// ParseSession decodes a session document.
func ParseSession(data []byte) (*Session, error) {
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	return s, nil
}

// ParseService decodes a single service document and folds permissions.
func ParseService(data []byte) (*Service, error) {
	s := &Service{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse service: %w", err)
	}
	s.FoldPermissions()
	return s, nil
}

// ParseServiceArray decodes an array of service documents.
func ParseServiceArray(data []byte) ([]*Service, error) {
	var services []*Service
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("parse services: %w", err)
	}
	for _, s := range services {
		s.FoldPermissions()
	}
	return services, nil
}

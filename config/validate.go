package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/mmate-connector/broker"
)

// Validate reports every structural problem in the configuration.
func (c *Config) Validate() error {
	errs := []error{c.validateGlobal()}
	for _, m := range c.Managers {
		if m.Name != "" {
			errs = append(errs, ValidateManager(m))
		}
	}
	return errors.Join(errs...)
}

// validateGlobal checks the options and manager identities every manager
// depends on.
func (c *Config) validateGlobal() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.PollInterval < 0 {
		add("pollInterval must not be negative")
	}
	if len(c.Managers) == 0 {
		add("at least one manager is required")
	}

	managers := make(map[string]bool)
	for i, m := range c.Managers {
		switch {
		case m.Name == "":
			add("managers[%d]: name is required", i)
			continue
		case strings.Contains(m.Name, "."):
			add("manager %q: name must not contain '.'", m.Name)
		case managers[m.Name]:
			add("manager %q: duplicate name", m.Name)
		}
		managers[m.Name] = true
	}
	return errors.Join(errs...)
}

// ValidateManager reports the problems confined to one manager.
func ValidateManager(m ManagerConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if m.URL == "" {
		add("manager %q: url is required", m.Name)
	}

	endpoints := make(map[string]bool)
	for j, e := range m.Endpoints {
		if e.Name == "" {
			add("manager %q: endpoints[%d]: name is required", m.Name, j)
			continue
		}
		id := m.Name + "." + e.Name
		if endpoints[e.Name] {
			add("endpoint %q: duplicate name", id)
		}
		endpoints[e.Name] = true

		switch e.Access {
		case AccessRead, AccessWrite, AccessReadWrite:
		default:
			add("endpoint %q: invalid access %q", id, e.Access)
		}

		if !e.IsDynamic() {
			if _, err := broker.ParseAddress(e.Address); err != nil {
				add("endpoint %q: %v", id, err)
			}
		}

		if t := e.Trigger; t != nil {
			switch {
			case e.IsDynamic():
				add("endpoint %q: dynamic endpoints cannot have triggers", id)
			case !e.CanRead():
				add("endpoint %q: trigger requires read access", id)
			}
			if t.Concurrency < 1 {
				add("endpoint %q: trigger concurrency must be at least 1", id)
			}
			if strings.TrimSpace(t.Template) == "" {
				add("endpoint %q: trigger template is required", id)
			}
		}
	}
	return errors.Join(errs...)
}

package models

import (
	"fmt"
	"time"
)

// Device is one remote execution target in the device registry.
type Device struct {
	Name    string    `json:"name"`
	Host    string    `json:"host"`
	User    string    `json:"user,omitempty"`
	Port    int       `json:"port,omitempty"`
	Groups  []string  `json:"groups,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// SSHTarget renders the device as a user@host ssh destination.
func (d Device) SSHTarget() string {
	if d.User == "" {
		return d.Host
	}
	return fmt.Sprintf("%s@%s", d.User, d.Host)
}

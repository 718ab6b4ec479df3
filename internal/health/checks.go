package health

import (
	"context"
	"errors"
	"fmt"
)

// PortsCheck fails once the port pool has no free pair left, so a load
// balancer stops sending new calls to this instance.
func PortsCheck(available func() int) Checker {
	return Checker{Name: "ports", Check: func(context.Context) error {
		if available() == 0 {
			return errors.New("port pool exhausted")
		}
		return nil
	}}
}

// EventsCheck fails when destinations are configured but none of them is
// connected. With no destinations configured it always passes.
func EventsCheck(connected, configured func() int) Checker {
	return Checker{Name: "events", Check: func(context.Context) error {
		total := configured()
		if total > 0 && connected() == 0 {
			return fmt.Errorf("0 of %d event destinations connected", total)
		}
		return nil
	}}
}

// TranscriptionCheck fails when every transcription backend has its
// circuit open.
func TranscriptionCheck(available func() bool) Checker {
	return Checker{Name: "transcription", Check: func(context.Context) error {
		if !available() {
			return errors.New("all transcription backends unavailable")
		}
		return nil
	}}
}

// IngressCheck fails when any active call's receive queue is close to full.
func IngressCheck(healthy func() bool) Checker {
	return Checker{Name: "ingress", Check: func(context.Context) error {
		if !healthy() {
			return errors.New("receive queue backlog")
		}
		return nil
	}}
}

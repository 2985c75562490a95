// Copyright 2025 James Ross
package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestSubscribersReceiveEventsInEmissionOrder(t *testing.T) {
	bus := New(nil, rate.Inf)
	var received []Type
	bus.Subscribe(func(ev Event) { received = append(received, ev.Type) })

	bus.Publish(Event{Type: DeploymentStarted})
	bus.Publish(Event{Type: ScoreUpdate})
	bus.Publish(Event{Type: GateStatus})

	assert.Equal(t, []Type{DeploymentStarted, ScoreUpdate, GateStatus}, received)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil, rate.Inf)
	count := 0
	unsub := bus.Subscribe(func(ev Event) { count++ })

	bus.Publish(Event{Type: DeploymentStarted})
	unsub()
	bus.Publish(Event{Type: ScoreUpdate})

	assert.Equal(t, 1, count)
}

func TestMonitorHealthIsRateLimited(t *testing.T) {
	bus := New(nil, rate.Every(time.Hour))
	count := 0
	bus.Subscribe(func(ev Event) { count++ })

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: MonitorHealth})
	}

	assert.Equal(t, 1, count)
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New(nil, rate.Inf)
	secondCalled := false
	bus.Subscribe(func(ev Event) { panic("boom") })
	bus.Subscribe(func(ev Event) { secondCalled = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: DeploymentStarted})
	})
	assert.True(t, secondCalled)
}

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenPortParsesExplicitPort(t *testing.T) {
	assert.EqualValues(t, 7400, listenPort(":7400"))
	assert.EqualValues(t, 7400, listenPort("0.0.0.0:7400"))
}

func TestListenPortFallsBackToZero(t *testing.T) {
	assert.EqualValues(t, 0, listenPort(":0"))
	assert.EqualValues(t, 0, listenPort("not-a-host-port"))
	assert.EqualValues(t, 0, listenPort(""))
}

package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloodDetectorBelowThreshold(t *testing.T) {
	var cs ConnStats
	cs.ControlBytesRead.Add(1 << 20)
	d := defaultFloodDetector{}
	assert.False(t, d.IsFlooded(&cs, 1, 2<<20))
}

func TestFloodDetectorTripsOnControlHeavyTraffic(t *testing.T) {
	var cs ConnStats
	cs.BytesRead.Add(3 << 20)
	cs.ControlBytesRead.Add(3 << 20)
	d := defaultFloodDetector{}
	assert.True(t, d.IsFlooded(&cs, 1, 2<<20))
}

func TestFloodDetectorSparedByUsefulPayload(t *testing.T) {
	var cs ConnStats
	cs.BytesRead.Add(13 << 20)
	cs.PayloadBytesRead.Add(10 << 20)
	cs.ControlBytesRead.Add(3 << 20)
	d := defaultFloodDetector{}
	assert.False(t, d.IsFlooded(&cs, 1, 2<<20))
}

func TestDefaultChokePolicyNeverChokes(t *testing.T) {
	var cs ConnStats
	assert.False(t, defaultChokePolicy{}.ShouldChoke(&cs))
}

package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampNumWantDefaultsAndCaps(t *testing.T) {
	assert.Equal(t, defaultNumWant, clampNumWant(0))
	assert.Equal(t, defaultNumWant, clampNumWant(-5))
	assert.Equal(t, 30, clampNumWant(30))
	assert.Equal(t, maxNumWant, clampNumWant(1000))
}

type fakeTracker struct {
	requests []AnnounceRequest
	resp     AnnounceResponse
	err      error
}

func (f *fakeTracker) Announce(req AnnounceRequest) (AnnounceResponse, error) {
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

func (f *fakeTracker) Scrape(infoHash [20]byte) (ScrapeResponse, error) {
	return ScrapeResponse{}, nil
}

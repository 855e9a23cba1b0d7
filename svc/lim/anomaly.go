package lim

import (
	"sync"
	"time"

	"quickpaste/metrics"
	"quickpaste/svc/util"
)

const (
	windowBuckets    = 5
	bucketSpan       = time.Minute
	minSampleSize    = 10
	errorRatePercent = 5.0
)

// AnomalyDetector tracks the 5xx rate over a sliding window of one-minute
// buckets and calls onAnomaly when it crosses the threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	window    [windowBuckets]bucket
	current   int
	onAnomaly func()
	done      chan struct{}
	stopOnce  sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(bucketSpan)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Advance()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.current].requests++
	d.mu.Unlock()
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.current].errors++
	d.mu.Unlock()
}

// Advance evaluates the window, publishes the error rate and rotates to a
// fresh bucket. It returns the rate in percent.
func (d *AnomalyDetector) Advance() float64 {
	d.mu.Lock()
	var reqs, errs int64
	for _, b := range d.window {
		reqs += b.requests
		errs += b.errors
	}
	d.current = (d.current + 1) % windowBuckets
	d.window[d.current] = bucket{}
	d.mu.Unlock()

	var errorRate float64
	if reqs > 0 {
		errorRate = float64(errs) / float64(reqs) * 100.0
	}
	metrics.RecentErrorRatePercent.Set(errorRate)
	if reqs > minSampleSize && errorRate > errorRatePercent {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", reqs).
			Int64("total_errs", errs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	return errorRate
}

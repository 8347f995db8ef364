// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides InfluxDB persistence for frequency transition
// history.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/soothill/dvfs-coordinator/devfreq"
	"github.com/soothill/dvfs-coordinator/pkg/logger"
	"github.com/soothill/dvfs-coordinator/pkg/metrics"
)

const (
	defaultBufferSize  = 256
	writeTimeout       = 5 * time.Second
	healthCheckTimeout = 5 * time.Second
)

// pointWriter is the slice of the InfluxDB blocking write API the recorder
// needs; tests inject their own.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type transitionEvent struct {
	deviceID  string
	oldFreq   devfreq.Frequency
	newFreq   devfreq.Frequency
	timestamp time.Time
}

// TransitionRecorder persists completed frequency transitions to InfluxDB.
// Transitions are queued on a bounded buffer and written by a background
// worker, so a slow or down database never blocks the reevaluation path;
// when the buffer is full events are dropped and counted.
type TransitionRecorder struct {
	client  influxdb2.Client
	writer  pointWriter
	breaker *gobreaker.CircuitBreaker

	events chan transitionEvent
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
}

// NewTransitionRecorder connects to InfluxDB, verifies its health and starts
// the write worker. A bufferSize of zero selects the default.
func NewTransitionRecorder(url, token, org, bucket string, bufferSize int) (*TransitionRecorder, error) {
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	r := newTransitionRecorder(client.WriteAPIBlocking(org, bucket), bufferSize)
	r.client = client
	return r, nil
}

func newTransitionRecorder(writer pointWriter, bufferSize int) *TransitionRecorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	r := &TransitionRecorder{
		writer: writer,
		events: make(chan transitionEvent, bufferSize),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "influxdb-transitions",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("Circuit breaker state changed")
			},
		}),
	}

	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *TransitionRecorder) worker() {
	defer r.wg.Done()
	for ev := range r.events {
		if err := r.writeEvent(ev); err != nil {
			metrics.SinkWriteErrors.Inc()
			logger.Error().Err(err).Str("device_id", ev.deviceID).
				Msg("Failed to write transition to InfluxDB")
			continue
		}
		metrics.SinkWritesTotal.Inc()
	}
}

func (r *TransitionRecorder) writeEvent(ev transitionEvent) error {
	p := influxdb2.NewPoint(
		"frequency_transition",
		map[string]string{
			"device_id": ev.deviceID,
		},
		map[string]interface{}{
			"old_hz": int64(ev.oldFreq),
			"new_hz": int64(ev.newFreq),
		},
		ev.timestamp,
	)

	_, err := r.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return nil, r.writer.WritePoint(ctx, p)
	})
	return err
}

func (r *TransitionRecorder) enqueue(ev transitionEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		metrics.SinkEventsDropped.Inc()
		logger.Debug().Str("device_id", ev.deviceID).Msg("Transition buffer full, event dropped")
	}
}

// SubscriberFor returns a transition subscriber that records completed
// frequency changes. Pre-change notifications and no-op changes are
// ignored.
func (r *TransitionRecorder) SubscriberFor() devfreq.TransitionSubscriber {
	return &recorderSubscriber{r: r}
}

type recorderSubscriber struct {
	r *TransitionRecorder
}

func (s *recorderSubscriber) OnTransition(deviceID string, phase devfreq.TransitionPhase, change devfreq.FreqChange) {
	if phase != devfreq.PostChange || change.Old == change.New {
		return
	}
	s.r.enqueue(transitionEvent{
		deviceID:  deviceID,
		oldFreq:   change.Old,
		newFreq:   change.New,
		timestamp: time.Now(),
	})
}

// Close drains the queue, waits for the worker and releases the client.
func (r *TransitionRecorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.events)
		r.wg.Wait()
		if r.client != nil {
			logger.Info().Msg("Closing InfluxDB connection")
			r.client.Close()
		}
	})
}

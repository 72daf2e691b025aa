/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package telemetry

// WriteBuckets for memfile write latencies, including acknowledgment waits.
var WriteBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// Synchronized channel metrics
var (
	// MemfileWritesTotal counts channel writes by result (success, failed)
	MemfileWritesTotal CounterVec = noopCounterVec{}

	// MemfileBytesWritten counts payload bytes written into channels
	MemfileBytesWritten Counter = NoopStat{}

	// MemfileWriteSeconds measures a full write including the fan-out
	MemfileWriteSeconds Histogram = NoopStat{}

	// MemfileRecreationsTotal counts channel recreations by reason (capacity, access)
	MemfileRecreationsTotal CounterVec = noopCounterVec{}

	// AckTimeoutsTotal counts readers invalidated for missing acknowledgments
	AckTimeoutsTotal Counter = NoopStat{}

	// LockRecoveriesTotal counts abandoned segment mutexes taken over
	LockRecoveriesTotal Counter = NoopStat{}

	// AccessTimeoutsTotal counts segment access attempts that timed out by mode (read, write)
	AccessTimeoutsTotal CounterVec = noopCounterVec{}
)

// Observer metrics
var (
	// ObserverDeliveriesTotal counts callbacks by delivery mode (zero_copy, buffered)
	ObserverDeliveriesTotal CounterVec = noopCounterVec{}

	// ObserverStaleSamplesTotal counts samples dropped for a non-increasing clock
	ObserverStaleSamplesTotal Counter = NoopStat{}

	// ActiveObservers tracks running observers in this process
	ActiveObservers Gauge = NoopStat{}
)

// Broadcast metrics
var (
	// BroadcastEventsTotal counts broadcast events by direction (sent, received) and type
	BroadcastEventsTotal CounterVec = noopCounterVec{}

	// BroadcastPayloadMemfiles tracks payload memfiles held open by readers
	BroadcastPayloadMemfiles Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Called by InitializeTelemetry.
func InitMetrics() {
	MemfileWritesTotal = NewCounterVec(
		"memfile_writes_total",
		"Total memfile channel writes by result",
		[]string{"result"},
	)
	MemfileBytesWritten = NewCounter(
		"memfile_bytes_written_total",
		"Total payload bytes written into memfile channels",
	)
	MemfileWriteSeconds = NewHistogramWithBuckets(
		"memfile_write_seconds",
		"Memfile channel write duration in seconds",
		WriteBuckets,
	)
	MemfileRecreationsTotal = NewCounterVec(
		"memfile_recreations_total",
		"Memfile channel recreations by reason",
		[]string{"reason"},
	)
	AckTimeoutsTotal = NewCounter(
		"ack_timeouts_total",
		"Readers invalidated after missing an acknowledgment",
	)
	LockRecoveriesTotal = NewCounter(
		"lock_recoveries_total",
		"Abandoned segment mutexes recovered",
	)
	AccessTimeoutsTotal = NewCounterVec(
		"access_timeouts_total",
		"Segment access attempts that timed out",
		[]string{"mode"},
	)
	ObserverDeliveriesTotal = NewCounterVec(
		"observer_deliveries_total",
		"Payload callbacks invoked by delivery mode",
		[]string{"mode"},
	)
	ObserverStaleSamplesTotal = NewCounter(
		"observer_stale_samples_total",
		"Samples discarded because their clock did not advance",
	)
	ActiveObservers = NewGauge(
		"active_observers",
		"Observers currently running in this process",
	)
	BroadcastEventsTotal = NewCounterVec(
		"broadcast_events_total",
		"Broadcast events by direction and type",
		[]string{"direction", "type"},
	)
	BroadcastPayloadMemfiles = NewGauge(
		"broadcast_payload_memfiles",
		"Payload memfiles currently opened by broadcast readers",
	)
}

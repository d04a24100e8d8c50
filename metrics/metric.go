// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package metrics wires the replication and subscription engines into a
// single Prometheus registry, the way the teacher's metrics package
// wires its gRPC server's handling-time histogram into one registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "coredb"

var (
	// Registry is the single collector registry the process's metrics
	// HTTP handler serves.
	Registry = prometheus.NewRegistry()

	OutgoingWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "outgoing_workers",
		Help:      "Number of outbound replication workers currently reconciled for this database.",
	}, []string{"database"})

	IncomingConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "incoming_connections",
		Help:      "Number of accepted inbound replication connections.",
	}, []string{"database"})

	IncomingRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "incoming_rejections_total",
		Help:      "Inbound replication connections rejected, by reason.",
	}, []string{"database", "reason"})

	EntriesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "entries_sent_total",
		Help:      "Change log entries sent to a replication destination.",
	}, []string{"destination"})

	EntriesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "entries_applied_total",
		Help:      "Change log entries applied from an inbound replication source.",
	}, []string{"source"})

	MinimalReplicationEtag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "replication",
		Name:      "minimal_etag",
		Help:      "Current value of GetMinimalEtagForReplication, the tombstone cleaner's lower bound.",
	}, []string{"database"})

	SubscriptionActiveWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "active_workers",
		Help:      "Worker connections currently active for a subscription.",
	}, []string{"subscription"})

	SubscriptionBatchesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "batches_delivered_total",
		Help:      "Batches delivered to a subscription worker.",
	}, []string{"subscription"})

	SubscriptionHandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "subscription",
		Name:      "handler_errors_total",
		Help:      "Batch handler errors observed by a subscription connection.",
	}, []string{"subscription"})
)

func init() {
	Registry.MustRegister(
		OutgoingWorkers,
		IncomingConnections,
		IncomingRejections,
		EntriesSent,
		EntriesApplied,
		MinimalReplicationEtag,
		SubscriptionActiveWorkers,
		SubscriptionBatchesDelivered,
		SubscriptionHandlerErrors,
	)
}

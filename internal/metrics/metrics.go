// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// webhookEvents tracks webhook events received by source and outcome
	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_webhook_events_total",
			Help: "Total webhook events received by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// webhookDuration tracks ingress handler latency
	webhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mechanic_webhook_duration_seconds",
			Help:    "Webhook handler latency by source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// queueDepth tracks pending queue entries
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mechanic_queue_depth",
			Help: "Number of pending queue entries",
		},
	)

	// queueLeases tracks lease attempts by outcome
	queueLeases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_queue_leases_total",
			Help: "Total queue lease attempts by outcome",
		},
		[]string{"outcome"},
	)

	// reactivationDecisions tracks try_reactivate outcomes
	reactivationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_reactivation_decisions_total",
			Help: "Total reactivation decisions by outcome",
		},
		[]string{"decision"},
	)

	// staleLocksSwept tracks locks released by the stale sweep
	staleLocksSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mechanic_stale_locks_swept_total",
			Help: "Total task locks released by the stale lock sweep",
		},
	)

	// nodeDuration tracks workflow node execution time
	nodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mechanic_node_duration_seconds",
			Help:    "Workflow node execution time by node and result",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"node", "result"},
	)

	// runsCompleted tracks workflow run completions by final status
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_runs_completed_total",
			Help: "Total workflow runs reaching a terminal status",
		},
		[]string{"status"},
	)

	// activeWorkers tracks workers currently holding a lease
	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mechanic_active_workers",
			Help: "Number of workers currently executing a run",
		},
	)

	// validationsOpen tracks pending human validations
	validationsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mechanic_validations_open",
			Help: "Number of validations awaiting a human reply",
		},
	)

	// validationOutcomes tracks resolved validations by outcome
	validationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_validation_outcomes_total",
			Help: "Total resolved validations by outcome",
		},
		[]string{"outcome"},
	)

	// unauthorizedReplies tracks replies rejected by the authorization rule
	unauthorizedReplies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mechanic_unauthorized_replies_total",
			Help: "Total validation replies rejected as unauthorized",
		},
	)

	// llmTokens tracks LLM token consumption by provider and direction
	llmTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_llm_tokens_total",
			Help: "Total LLM tokens by provider, model and direction",
		},
		[]string{"provider", "model", "direction"},
	)

	// llmCost tracks estimated LLM spend
	llmCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_llm_cost_usd_total",
			Help: "Estimated LLM cost in USD by provider and model",
		},
		[]string{"provider", "model"},
	)

	// llmErrors tracks failed LLM calls
	llmErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mechanic_llm_errors_total",
			Help: "Total failed LLM calls by provider",
		},
		[]string{"provider"},
	)
)

// RecordWebhookEvent increments the webhook event counter.
func RecordWebhookEvent(source, outcome string) {
	webhookEvents.WithLabelValues(source, outcome).Inc()
}

// ObserveWebhookDuration records ingress handler latency.
func ObserveWebhookDuration(source string, seconds float64) {
	webhookDuration.WithLabelValues(source).Observe(seconds)
}

// SetQueueDepth sets the pending queue depth gauge.
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// RecordLease increments the lease counter.
func RecordLease(outcome string) {
	queueLeases.WithLabelValues(outcome).Inc()
}

// RecordReactivationDecision increments the decision counter.
func RecordReactivationDecision(decision string) {
	reactivationDecisions.WithLabelValues(decision).Inc()
}

// RecordStaleLocksSwept adds to the stale sweep counter.
func RecordStaleLocksSwept(n int) {
	staleLocksSwept.Add(float64(n))
}

// ObserveNodeDuration records node execution time.
func ObserveNodeDuration(node, result string, seconds float64) {
	nodeDuration.WithLabelValues(node, result).Observe(seconds)
}

// RecordRunCompleted increments the run completion counter.
func RecordRunCompleted(status string) {
	runsCompleted.WithLabelValues(status).Inc()
}

// WorkerStarted increments the active worker gauge.
func WorkerStarted() {
	activeWorkers.Inc()
}

// WorkerStopped decrements the active worker gauge.
func WorkerStopped() {
	activeWorkers.Dec()
}

// SetValidationsOpen sets the open validation gauge.
func SetValidationsOpen(n int) {
	validationsOpen.Set(float64(n))
}

// RecordValidationOutcome increments the validation outcome counter.
func RecordValidationOutcome(outcome string) {
	validationOutcomes.WithLabelValues(outcome).Inc()
}

// RecordUnauthorizedReply increments the unauthorized reply counter.
func RecordUnauthorizedReply() {
	unauthorizedReplies.Inc()
}

// RecordLLMUsage records token counts and cost for one LLM call.
func RecordLLMUsage(provider, model string, inputTokens, outputTokens int, costUSD float64) {
	llmTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	llmTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	llmCost.WithLabelValues(provider, model).Add(costUSD)
}

// RecordLLMError increments the LLM error counter.
func RecordLLMError(provider string) {
	llmErrors.WithLabelValues(provider).Inc()
}

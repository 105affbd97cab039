// File: control/metrics.go
// Package control holds the endpoint's runtime knobs and metrics.
// Author: momentics <momentics@gmail.com>
//
// Prometheus counters for endpoint traffic and call outcomes. One
// Metrics value per endpoint, labeled by endpoint name.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts endpoint activity. All fields are safe for concurrent
// use; nil *Metrics disables collection.
type Metrics struct {
	PacketsSent   prometheus.Counter
	PacketsRecv   prometheus.Counter
	BytesSent     prometheus.Counter
	BytesRecv     prometheus.Counter
	CallsTotal    prometheus.Counter
	CallErrors    prometheus.Counter
	RemoteErrors  prometheus.Counter
}

// NewMetrics builds the counter set for one endpoint and registers it
// with reg when reg is non-nil.
func NewMetrics(endpointName string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"endpoint": endpointName}
	m := &Metrics{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hioload_rpc_packets_sent_total", Help: "Packets framed into the write buffer.", ConstLabels: labels}),
		PacketsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hioload_rpc_packets_received_total", Help: "Packets fully consumed from the read buffer.", ConstLabels: labels}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hioload_rpc_bytes_sent_total", Help: "Bytes pushed to the channel.", ConstLabels: labels}),
		BytesRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hioload_rpc_bytes_received_total", Help: "Bytes pulled from the channel.", ConstLabels: labels}),
		CallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hioload_rpc_client_calls_total", Help: "Client-initiated requests.", ConstLabels: labels}),
		CallErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hioload_rpc_client_call_errors_total", Help: "Client requests that surfaced an error.", ConstLabels: labels}),
		RemoteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hioload_rpc_remote_exceptions_total", Help: "Exception packets received from the peer.", ConstLabels: labels}),
	}
	if reg != nil {
		reg.MustRegister(m.PacketsSent, m.PacketsRecv, m.BytesSent, m.BytesRecv,
			m.CallsTotal, m.CallErrors, m.RemoteErrors)
	}
	return m
}

// AddSent records one flushed chunk.
func (m *Metrics) AddSent(n int) {
	if m == nil {
		return
	}
	m.BytesSent.Add(float64(n))
}

// AddRecv records one pulled chunk.
func (m *Metrics) AddRecv(n int) {
	if m == nil {
		return
	}
	m.BytesRecv.Add(float64(n))
}

// IncPacketSent records one framed outgoing packet.
func (m *Metrics) IncPacketSent() {
	if m == nil {
		return
	}
	m.PacketsSent.Inc()
}

// IncPacketRecv records one fully consumed incoming packet.
func (m *Metrics) IncPacketRecv() {
	if m == nil {
		return
	}
	m.PacketsRecv.Inc()
}

// IncCall records a client-initiated request and, when err is non-nil,
// its failure class.
func (m *Metrics) IncCall(err error) {
	if m == nil {
		return
	}
	m.CallsTotal.Inc()
	if err != nil {
		m.CallErrors.Inc()
	}
}

// IncRemoteError records a peer Exception packet.
func (m *Metrics) IncRemoteError() {
	if m == nil {
		return
	}
	m.RemoteErrors.Inc()
}

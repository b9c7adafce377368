package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	txAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gchain_tx_accepted_total",
		Help: "Transactions accepted into the mempool.",
	}, []string{"node"})
	txRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gchain_tx_relayed_total",
		Help: "Transactions relayed to peers.",
	}, []string{"node"})
	blocksCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gchain_blocks_committed_total",
		Help: "Blocks committed to the local chain.",
	}, []string{"node"})
	currentHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gchain_current_block_height",
		Help: "Height of the local chain tip.",
	}, []string{"node"})
	peerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gchain_peer_count",
		Help: "Connected peers after handshake.",
	}, []string{"node"})
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gchain_p2p_messages_received_total",
		Help: "Wire messages received, by message name.",
	}, []string{"node", "type"})

	inboxRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayprobe_inbox_recorded_total",
		Help: "Messages recorded by synthetic peers, by message name.",
	}, []string{"type"})
	waitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayprobe_wait_seconds",
		Help:    "Time spent in WaitUntil, by outcome.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
	}, []string{"outcome"})
)

// IncTxAccepted increments the mempool acceptance counter.
func IncTxAccepted(node string) {
	txAccepted.WithLabelValues(node).Inc()
}

// AddTxRelayed records how many peers a transaction was queued to.
func AddTxRelayed(node string, peers int) {
	txRelayed.WithLabelValues(node).Add(float64(peers))
}

// ObserveBlockCommit records a committed block height.
func ObserveBlockCommit(node string, height uint64) {
	blocksCommitted.WithLabelValues(node).Inc()
	currentHeight.WithLabelValues(node).Set(float64(height))
}

// SetPeerCount sets the current connected peer count.
func SetPeerCount(node string, count int) {
	peerCount.WithLabelValues(node).Set(float64(count))
}

func IncMessageReceived(node, msgType string) {
	messagesReceived.WithLabelValues(node, msgType).Inc()
}

func IncInboxRecorded(msgType string) {
	inboxRecorded.WithLabelValues(msgType).Inc()
}

func ObserveWait(outcome string, seconds float64) {
	waitDuration.WithLabelValues(outcome).Observe(seconds)
}

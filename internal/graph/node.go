package graph

import (
	"sync/atomic"

	"spectra/internal/cqt"
	"spectra/internal/dsp"
)

// NodeID indexes the graph's node arena. Nodes refer to each other by id,
// never by pointer, so reconfiguration and teardown stay data mutations.
type NodeID int

// Role is a node's place in the pipeline.
type Role uint8

const (
	RoleSource Role = iota
	RoleAnalyzer
	RoleConsumer
	RoleTarget // presentation target; emits reconfig notifications
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleAnalyzer:
		return "analyzer"
	case RoleConsumer:
		return "consumer"
	case RoleTarget:
		return "target"
	default:
		return "unknown"
	}
}

// NodeState is the reconfiguration state machine:
// Stable -> ReconfigRequested -> Building -> {Swapped, Aborted} -> Stable.
type NodeState uint8

const (
	StateStable NodeState = iota
	StateReconfigRequested
	StateBuilding
	StateSwapped
	StateAborted
)

func (s NodeState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateReconfigRequested:
		return "reconfig-requested"
	case StateBuilding:
		return "building"
	case StateSwapped:
		return "swapped"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// SwapPolicy selects how consumers are served while a replacement
// generation builds.
type SwapPolicy uint8

const (
	// PolicyCutover keeps serving the old generation at full rate until
	// the new one is ready, then swaps the pointer. Best fidelity,
	// transiently doubles memory.
	PolicyCutover SwapPolicy = iota
	// PolicyBridge re-serves the old generation's last output for a
	// bounded number of ticks while the build runs.
	PolicyBridge
	// PolicyPause stops scheduling downstream consumers until the new
	// generation is ready. Cheapest; the fallback under pressure.
	PolicyPause
)

func (p SwapPolicy) String() string {
	switch p {
	case PolicyCutover:
		return "cutover"
	case PolicyBridge:
		return "bridge"
	case PolicyPause:
		return "pause"
	default:
		return "unknown"
	}
}

// PayloadKind types an edge's traffic.
type PayloadKind uint8

const (
	PayloadSamples PayloadKind = iota
	PayloadSpectrum
	PayloadReconfig
)

// Edge is a directed dependency between two nodes.
type Edge struct {
	From NodeID
	To   NodeID
	Kind PayloadKind
}

// Extent is the presentation target size. Changes to it trigger the
// reconfiguration protocol on every node that declares a reconfig edge
// from the target.
type Extent struct {
	Width  int
	Height int
}

// Frame is one tick's spectrum observation handed to a consumer: the
// generation it came from and (center, corrected magnitude) pairs,
// interleaved. A frame never mixes generations.
type Frame struct {
	Tick      uint64
	Gen       Generation
	Degraded  bool
	Staleness int
	Pairs     []float64
}

// Bins returns the number of (frequency, magnitude) pairs in the frame.
func (f Frame) Bins() int { return len(f.Pairs) / 2 }

// Source produces one SampleBlock per tick. Pull reports
// ErrInputUnderrun when no new data arrived in time and ErrDeviceLost
// when the capture device is gone for good.
type Source interface {
	Pull(tick uint64) (dsp.SampleBlock, error)
}

// Analyzer turns a block into ordered spectrum bins. Implementations own
// their decimation and accumulator state; BinCount is fixed for the
// analyzer's lifetime (one generation).
type Analyzer interface {
	Analyze(block dsp.SampleBlock) []cqt.Bin
	BinCount() int
	Degraded() bool
}

// AnalyzerBuilder constructs the analyzer for a generation, sized from
// the presentation extent. Builds may be slow; they run off the tick
// path.
type AnalyzerBuilder func(extent Extent) (Analyzer, error)

// Consumer receives published frames.
type Consumer interface {
	Deliver(frame Frame) error
}

// Node wraps one processing stage with its configuration epoch, owned
// resource, and reconfiguration state. All fields except the published
// pointer are single-writer, mutated only under the graph lock.
type Node struct {
	ID   NodeID
	Role Role
	Name string

	// edges is the node's outgoing dependency set. Routing and reconfig
	// fan-out both walk it; nodes never hold pointers to each other.
	edges []Edge

	state      NodeState
	gen        Generation // generation currently served
	target     Generation // newest requested generation
	policy     SwapPolicy
	bridgeLeft int
	// bridgedTick is the last tick the bridge counter covered, so the
	// bound stays per tick when several consumers fan out of one node.
	bridgedTick uint64

	// published is the atomically swapped output of an analyzer node.
	// Consumers load it exactly once per observation.
	published atomic.Pointer[Resource]

	source   Source
	analyzer Analyzer
	builder  AnalyzerBuilder
	consumer Consumer

	// per-tick stage plumbing
	block     dsp.SampleBlock // source: last pulled block
	lastFrame *Frame          // consumer-facing: last delivered frame
	staleness int
	degraded  bool
}

// State returns the node's reconfiguration state.
func (n *Node) State() NodeState { return n.state }

// Gen returns the generation the node currently serves.
func (n *Node) Gen() Generation { return n.gen }

// Policy returns the swap policy chosen for the in-flight build.
func (n *Node) Policy() SwapPolicy { return n.policy }

// Degraded reports the stage diagnostic flag.
func (n *Node) Degraded() bool { return n.degraded }

// Staleness returns how many consecutive ticks the node served reused
// output.
func (n *Node) Staleness() int { return n.staleness }

// Published returns the node's current output resource, or nil.
func (n *Node) Published() *Resource { return n.published.Load() }

package graph

import (
	"errors"
	"fmt"
	"sync"

	"spectra/internal/dsp"
	"spectra/internal/log"
)

// TaskKind enumerates the work the scheduler can dispatch. Keeping the
// variants closed keeps the tick loop statically auditable.
type TaskKind uint8

const (
	// TaskBuild constructs a replacement generation off the tick path.
	TaskBuild TaskKind = iota
	// TaskIngest pulls one tick of samples from a source.
	TaskIngest
	// TaskAnalyze folds the source block into an analyzer and publishes
	// its resource.
	TaskAnalyze
	// TaskDeliver hands the published spectrum to a consumer.
	TaskDeliver
)

// Task is one dispatchable unit of tick work.
type Task struct {
	Kind   TaskKind
	Node   NodeID
	Gen    Generation
	Tick   uint64
	Bridge bool // deliver re-serves the previous frame
}

// Config bounds the graph's degrade and pressure behavior.
type Config struct {
	// PoolBudget caps total live resource elements; 0 disables the cap.
	PoolBudget int
	// MaxStaleness is the oldest reused output a stage may serve, in
	// ticks, before it refuses and falls into pause.
	MaxStaleness int
	// BridgeTicks bounds how long the bridge policy re-serves the old
	// generation.
	BridgeTicks int
	// CutoverPressure and BridgePressure are the pool pressure
	// thresholds below which those policies are picked; above both, a
	// build runs under pause.
	CutoverPressure float64
	BridgePressure  float64
	// Extent is the initial presentation extent before any target
	// notification arrives.
	Extent Extent
}

// DefaultConfig returns the graph limits used when none are given.
func DefaultConfig() Config {
	return Config{
		PoolBudget:      0,
		MaxStaleness:    5,
		BridgeTicks:     2,
		CutoverPressure: 0.5,
		BridgePressure:  0.8,
		Extent:          Extent{Width: 1280, Height: 720},
	}
}

// Stats counts observable protocol outcomes.
type Stats struct {
	Swaps                uint64
	StaleBuildsDiscarded uint64
	Underruns            uint64
	AllocationFailures   uint64
}

// Graph owns the node arena, the edge set, and the reconfiguration
// protocol. Ticks are serialized by the scheduler; Plan and the commit
// paths lock the graph, stage compute runs outside the lock.
type Graph struct {
	mu    sync.Mutex
	cfg   Config
	nodes []*Node
	pool  *Pool

	genCounter Generation
	extent     Extent
	stats      Stats
}

// New returns an empty graph.
func New(cfg Config) *Graph {
	extent := cfg.Extent
	if extent.Width <= 0 || extent.Height <= 0 {
		extent = DefaultConfig().Extent
	}
	return &Graph{
		cfg:        cfg,
		pool:       NewPool(cfg.PoolBudget),
		genCounter: 1,
		extent:     extent,
	}
}

// Pool returns the graph's resource pool.
func (g *Graph) Pool() *Pool { return g.pool }

// Stats returns a snapshot of the protocol counters.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Node returns the node for id.
func (g *Graph) Node(id NodeID) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[id]
}

func (g *Graph) add(n *Node) NodeID {
	n.ID = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	return n.ID
}

// AddSource registers a sample source node.
func (g *Graph) AddSource(name string, src Source) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(&Node{Role: RoleSource, Name: name, source: src, gen: g.genCounter})
}

// AddTarget registers the presentation-target node whose extent changes
// drive reconfiguration.
func (g *Graph) AddTarget(name string) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(&Node{Role: RoleTarget, Name: name, gen: g.genCounter})
}

// AddConsumer registers a spectrum consumer node.
func (g *Graph) AddConsumer(name string, c Consumer) NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.add(&Node{Role: RoleConsumer, Name: name, consumer: c, gen: g.genCounter})
}

// AddAnalyzer registers an analyzer node and synchronously builds its
// first generation against the current extent.
func (g *Graph) AddAnalyzer(name string, builder AnalyzerBuilder) (NodeID, error) {
	g.mu.Lock()
	extent := g.extent
	gen := g.genCounter
	g.mu.Unlock()

	analyzer, err := builder(extent)
	if err != nil {
		return 0, fmt.Errorf("building analyzer %q: %w", name, err)
	}
	res, err := g.pool.Allocate(2*analyzer.BinCount(), gen)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	n := &Node{Role: RoleAnalyzer, Name: name, analyzer: analyzer, builder: builder, gen: gen}
	n.published.Store(res)
	return g.add(n), nil
}

// Connect adds a directed edge. The edge set is the only coupling
// between nodes; payload routing and reconfig fan-out both walk it.
func (g *Graph) Connect(from, to NodeID, kind PayloadKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(from) >= len(g.nodes) || int(to) >= len(g.nodes) || from == to {
		return fmt.Errorf("graph: invalid edge %d -> %d", from, to)
	}
	src := g.nodes[from]
	src.edges = append(src.edges, Edge{From: from, To: to, Kind: kind})
	return nil
}

// upstreamLocked returns the first node with an edge of kind into id.
func (g *Graph) upstreamLocked(id NodeID, kind PayloadKind) *Node {
	for _, n := range g.nodes {
		for _, e := range n.edges {
			if e.To == id && e.Kind == kind {
				return n
			}
		}
	}
	return nil
}

// NotifyExtent records a presentation-target resize and fans the
// reconfiguration request out along every reconfig edge before any
// dependent starts building, so siblings adopt the same target
// generation.
func (g *Graph) NotifyExtent(width, height int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if width <= 0 || height <= 0 {
		log.Warnf("graph: ignoring degenerate extent %dx%d", width, height)
		return
	}
	g.extent = Extent{Width: width, Height: height}
	g.genCounter++
	gen := g.genCounter

	for _, target := range g.nodes {
		if target.Role != RoleTarget {
			continue
		}
		target.gen = gen
		for _, e := range target.edges {
			if e.Kind != PayloadReconfig {
				continue
			}
			g.requestReconfigLocked(g.nodes[e.To], gen)
		}
	}
}

func (g *Graph) requestReconfigLocked(n *Node, gen Generation) {
	n.target = gen
	switch n.state {
	case StateBuilding:
		// The in-flight build is now stale; it will be discarded on
		// completion and the newest target rebuilt.
		log.Debugf("graph: node %q build superseded by generation %d", n.Name, gen)
	default:
		n.state = StateReconfigRequested
	}
}

// Plan returns the tick's tasks in wave order: builds (dispatched
// asynchronously), then ingest, analyze, deliver.
func (g *Graph) Plan(tick uint64) []Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var tasks []Task

	// Builds start first so the fan-out from NotifyExtent has fully
	// settled target generations.
	for _, n := range g.nodes {
		if n.Role == RoleAnalyzer && n.state == StateReconfigRequested {
			n.policy = g.pickPolicyLocked()
			n.bridgeLeft = g.cfg.BridgeTicks
			n.bridgedTick = 0
			n.state = StateBuilding
			log.Infof("graph: node %q building generation %d under %s policy", n.Name, n.target, n.policy)
			tasks = append(tasks, Task{Kind: TaskBuild, Node: n.ID, Gen: n.target, Tick: tick})
		}
	}

	for _, n := range g.nodes {
		if n.Role == RoleSource {
			tasks = append(tasks, Task{Kind: TaskIngest, Node: n.ID, Tick: tick})
		}
	}

	for _, n := range g.nodes {
		if n.Role != RoleAnalyzer {
			continue
		}
		// While building, only the cutover policy keeps computing the
		// old generation; bridge and pause idle the analyzer.
		if n.state == StateBuilding && n.policy != PolicyCutover {
			continue
		}
		tasks = append(tasks, Task{Kind: TaskAnalyze, Node: n.ID, Gen: n.gen, Tick: tick})
	}

	for _, n := range g.nodes {
		if n.Role != RoleConsumer {
			continue
		}
		up := g.upstreamLocked(n.ID, PayloadSpectrum)
		if up == nil {
			continue
		}
		if up.staleness > g.cfg.MaxStaleness {
			// Refuse data older than the staleness bound; consumer
			// pauses rather than serving ancient output.
			continue
		}
		if up.state == StateBuilding {
			switch up.policy {
			case PolicyCutover:
				tasks = append(tasks, Task{Kind: TaskDeliver, Node: n.ID, Tick: tick})
			case PolicyBridge:
				// The bound is ticks, not deliveries: the first consumer
				// reaching the analyzer this tick spends the counter and
				// the rest of the fan-out rides the same tick.
				if up.bridgedTick != tick && up.bridgeLeft > 0 {
					up.bridgeLeft--
					up.bridgedTick = tick
				}
				if up.bridgedTick == tick {
					tasks = append(tasks, Task{Kind: TaskDeliver, Node: n.ID, Tick: tick, Bridge: true})
				}
			case PolicyPause:
				// Not scheduled until the swap.
			}
			continue
		}
		tasks = append(tasks, Task{Kind: TaskDeliver, Node: n.ID, Tick: tick})
	}

	return tasks
}

func (g *Graph) pickPolicyLocked() SwapPolicy {
	pressure := g.pool.Pressure()
	switch {
	case pressure < g.cfg.CutoverPressure:
		return PolicyCutover
	case pressure < g.cfg.BridgePressure:
		return PolicyBridge
	default:
		return PolicyPause
	}
}

// Execute runs one task. Stage compute happens outside the graph lock;
// only state commits take it. Returns ErrDeviceLost (fatal) or
// ErrStaleBuildDiscarded (expected) where applicable.
func (g *Graph) Execute(task Task) error {
	switch task.Kind {
	case TaskIngest:
		return g.execIngest(task)
	case TaskAnalyze:
		return g.execAnalyze(task)
	case TaskDeliver:
		return g.execDeliver(task)
	case TaskBuild:
		return g.execBuild(task)
	default:
		return fmt.Errorf("graph: unknown task kind %d", task.Kind)
	}
}

func (g *Graph) execIngest(task Task) error {
	g.mu.Lock()
	n := g.nodes[task.Node]
	src := n.source
	g.mu.Unlock()

	block, err := src.Pull(task.Tick)
	switch {
	case err == nil:
		g.mu.Lock()
		n.block = block
		n.staleness = 0
		n.degraded = block.Degraded
		g.mu.Unlock()
		return nil
	case errors.Is(err, ErrInputUnderrun):
		// Late binding: hold the previous tick's block, bounded by the
		// staleness limit.
		g.mu.Lock()
		defer g.mu.Unlock()
		g.stats.Underruns++
		n.staleness++
		n.degraded = true
		if n.staleness > g.cfg.MaxStaleness {
			n.block = dsp.SampleBlock{}
			log.Warnf("graph: source %q exceeded staleness bound %d, refusing to serve", n.Name, g.cfg.MaxStaleness)
		} else if !n.block.Empty() {
			n.block.Degraded = true
		}
		return nil
	default:
		return err
	}
}

func (g *Graph) execAnalyze(task Task) error {
	g.mu.Lock()
	n := g.nodes[task.Node]
	up := g.upstreamLocked(n.ID, PayloadSamples)
	if up == nil || up.staleness > g.cfg.MaxStaleness {
		n.degraded = true
		n.staleness++
		g.mu.Unlock()
		return nil
	}
	block := up.block
	analyzer := n.analyzer
	res := n.published.Load()
	g.mu.Unlock()

	bins := analyzer.Analyze(block)

	// Commit under the lock, and only if a fire-and-forget build did not
	// swap the published resource while the analysis ran. res is retired
	// once superseded; writing it would revive a dead buffer sized for
	// the old generation.
	g.mu.Lock()
	defer g.mu.Unlock()
	if n.published.Load() != res {
		log.Debugf("graph: node %q analysis superseded by a swap, dropping result", n.Name)
		return nil
	}
	for i, b := range bins {
		res.Data[2*i] = b.Center
		res.Data[2*i+1] = b.Corrected
	}
	n.degraded = block.Degraded || analyzer.Degraded()
	if n.degraded {
		n.staleness++
	} else {
		n.staleness = 0
	}
	return nil
}

func (g *Graph) execDeliver(task Task) error {
	g.mu.Lock()
	n := g.nodes[task.Node]
	up := g.upstreamLocked(n.ID, PayloadSpectrum)
	if up == nil {
		g.mu.Unlock()
		return nil
	}
	consumer := n.consumer
	lastFrame := n.lastFrame
	upDegraded := up.degraded
	upStaleness := up.staleness
	g.mu.Unlock()

	if task.Bridge {
		// Re-serve the old generation's output while the replacement
		// builds. Bounded by Plan's bridge counter.
		if lastFrame == nil {
			return nil
		}
		frame := *lastFrame
		frame.Tick = task.Tick
		frame.Degraded = true
		return consumer.Deliver(frame)
	}

	if upStaleness > g.cfg.MaxStaleness {
		// Plan checked last tick's staleness; this tick's analyze may
		// have crossed the bound since.
		return nil
	}

	// One atomic load per observation: a frame can never mix
	// generations.
	res := up.Published()
	if res == nil {
		return nil
	}

	g.mu.Lock()
	if res.Gen < n.gen {
		// Never serve a generation older than one already observed.
		g.mu.Unlock()
		return nil
	}
	n.gen = res.Gen
	g.mu.Unlock()

	frame := Frame{
		Tick:      task.Tick,
		Gen:       res.Gen,
		Degraded:  upDegraded,
		Staleness: upStaleness,
		Pairs:     append([]float64(nil), res.Data...),
	}

	if err := consumer.Deliver(frame); err != nil {
		return err
	}

	g.mu.Lock()
	n.lastFrame = &frame
	g.mu.Unlock()
	return nil
}

func (g *Graph) execBuild(task Task) error {
	g.mu.Lock()
	n := g.nodes[task.Node]
	builder := n.builder
	extent := g.extent
	g.mu.Unlock()

	analyzer, err := builder(extent)
	if err != nil {
		return g.failBuild(n, task, err)
	}
	res, err := g.pool.Allocate(2*analyzer.BinCount(), task.Gen)
	if err != nil {
		return g.failBuild(n, task, err)
	}

	return g.completeBuild(n, task, analyzer, res)
}

// failBuild reports a build failure back to the node, which falls into
// the pause policy and retries rather than panicking the graph.
func (g *Graph) failBuild(n *Node, task Task, err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if errors.Is(err, ErrAllocationFailure) {
		g.stats.AllocationFailures++
		n.policy = PolicyPause
		n.state = StateReconfigRequested
		log.Warnf("graph: node %q generation %d allocation failed, pausing: %v", n.Name, task.Gen, err)
		return nil
	}
	n.state = StateStable
	return fmt.Errorf("graph: node %q build failed: %w", n.Name, err)
}

// completeBuild commits a finished build. A build whose target
// generation is no longer the newest is discarded unconditionally, even
// if it finished after the newer request.
func (g *Graph) completeBuild(n *Node, task Task, analyzer Analyzer, res *Resource) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task.Gen != n.target {
		g.stats.StaleBuildsDiscarded++
		n.state = StateAborted
		g.pool.Retire(res, task.Tick)
		// Re-enter the protocol for the newest request.
		n.state = StateReconfigRequested
		log.Infof("graph: node %q discarded stale build %d, newest is %d", n.Name, task.Gen, n.target)
		return ErrStaleBuildDiscarded
	}

	old := n.published.Swap(res)
	n.analyzer = analyzer
	n.gen = task.Gen
	n.state = StateSwapped
	g.pool.Retire(old, task.Tick)
	n.state = StateStable
	n.staleness = 0
	g.stats.Swaps++
	log.Infof("graph: node %q swapped to generation %d (%d bins)", n.Name, task.Gen, analyzer.BinCount())
	return nil
}

// FinishTick marks tick complete: the pool watermark advances and
// fence-expired resources are released.
func (g *Graph) FinishTick(tick uint64) {
	g.pool.Collect(tick)
}

// RunTick plans and executes one tick synchronously. The scheduler uses
// the Plan/Execute pair with its worker pool; tests and offline runs use
// this.
func (g *Graph) RunTick(tick uint64) error {
	for _, task := range g.Plan(tick) {
		if err := g.Execute(task); err != nil && !errors.Is(err, ErrStaleBuildDiscarded) {
			return err
		}
	}
	g.FinishTick(tick)
	return nil
}

package graph

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spectra/internal/cqt"
	"spectra/internal/dsp"
)

type stubSource struct {
	rate float64
	next uint64
	errs []error // consumed front to back; nil means success
}

func (s *stubSource) Pull(tick uint64) (dsp.SampleBlock, error) {
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return dsp.SampleBlock{}, err
		}
	}
	b := dsp.SampleBlock{Samples: make([]float64, 64), SampleRate: s.rate, Channels: 1, Start: s.next}
	s.next += 64
	return b, nil
}

type stubAnalyzer struct {
	bins  int
	value float64
}

func (a *stubAnalyzer) Analyze(block dsp.SampleBlock) []cqt.Bin {
	out := make([]cqt.Bin, a.bins)
	for i := range out {
		out[i] = cqt.Bin{Center: 55 * float64(i+1), Magnitude: a.value, Corrected: a.value}
	}
	return out
}

func (a *stubAnalyzer) BinCount() int  { return a.bins }
func (a *stubAnalyzer) Degraded() bool { return false }

// stubBuilder sizes the fake analyzer from the extent so tests can tell
// generations apart by bin count and bin value.
func stubBuilder() AnalyzerBuilder {
	return func(extent Extent) (Analyzer, error) {
		return &stubAnalyzer{bins: extent.Width / 100, value: float64(extent.Width)}, nil
	}
}

type captureConsumer struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *captureConsumer) Deliver(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *captureConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureConsumer) last() Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[len(c.frames)-1]
}

type pipeline struct {
	g        *Graph
	source   *stubSource
	consumer *captureConsumer
	srcID    NodeID
	anID     NodeID
	consID   NodeID
	targetID NodeID
}

// buildPipeline wires target -> analyzer (reconfig), source -> analyzer
// (samples), analyzer -> consumer (spectrum). The initial extent is
// 1280 wide, so the first generation has 12 bins.
func buildPipeline(t *testing.T, cfg Config) *pipeline {
	t.Helper()
	g := New(cfg)
	src := &stubSource{rate: 48000}
	cons := &captureConsumer{}

	srcID := g.AddSource("mic", src)
	anID, err := g.AddAnalyzer("cqt", stubBuilder())
	require.NoError(t, err)
	consID := g.AddConsumer("ws", cons)
	targetID := g.AddTarget("window")

	require.NoError(t, g.Connect(srcID, anID, PayloadSamples))
	require.NoError(t, g.Connect(anID, consID, PayloadSpectrum))
	require.NoError(t, g.Connect(targetID, anID, PayloadReconfig))

	return &pipeline{g: g, source: src, consumer: cons,
		srcID: srcID, anID: anID, consID: consID, targetID: targetID}
}

func TestTickPipelineDeliversFrames(t *testing.T) {
	p := buildPipeline(t, DefaultConfig())

	for tick := uint64(1); tick <= 3; tick++ {
		require.NoError(t, p.g.RunTick(tick))
	}

	require.Equal(t, 3, p.consumer.count())
	for i, f := range p.consumer.frames {
		assert.Equal(t, uint64(i+1), f.Tick)
		assert.Equal(t, Generation(1), f.Gen)
		assert.Equal(t, 12, f.Bins())
		assert.False(t, f.Degraded)
	}
}

func TestResizeSwapsGeneration(t *testing.T) {
	p := buildPipeline(t, DefaultConfig())
	require.NoError(t, p.g.RunTick(1))

	p.g.NotifyExtent(2000, 900)
	// Unbounded pool, zero pressure: cutover keeps the consumer served
	// through the build tick.
	require.NoError(t, p.g.RunTick(2))

	n := p.g.Node(p.anID)
	assert.Equal(t, StateStable, n.State())
	assert.Equal(t, Generation(2), n.Gen())
	assert.Equal(t, uint64(1), p.g.Stats().Swaps)

	require.NoError(t, p.g.RunTick(3))
	last := p.consumer.last()
	assert.Equal(t, Generation(2), last.Gen)
	assert.Equal(t, 20, last.Bins(), "new generation is sized from the new extent")
	assert.Equal(t, 2000.0, last.Pairs[1])

	// The consumer only ever saw non-decreasing generations.
	prev := Generation(0)
	for _, f := range p.consumer.frames {
		require.GreaterOrEqual(t, f.Gen, prev)
		prev = f.Gen
	}
}

func TestStaleBuildDiscarded(t *testing.T) {
	p := buildPipeline(t, DefaultConfig())
	require.NoError(t, p.g.RunTick(1))

	p.g.NotifyExtent(2000, 900)
	tasks := p.g.Plan(2)
	var build Task
	for _, task := range tasks {
		if task.Kind == TaskBuild {
			build = task
		}
	}
	require.Equal(t, Generation(2), build.Gen)

	// A second resize lands before the first build completes. The gen-2
	// build must be discarded even though it finished after the request.
	p.g.NotifyExtent(640, 480)
	err := p.g.Execute(build)
	require.ErrorIs(t, err, ErrStaleBuildDiscarded)
	assert.Equal(t, uint64(1), p.g.Stats().StaleBuildsDiscarded)

	n := p.g.Node(p.anID)
	assert.Equal(t, StateReconfigRequested, n.State())
	assert.Equal(t, Generation(1), n.Gen(), "discarded build is never swapped in")

	// The next tick rebuilds the newest target and swaps it.
	require.NoError(t, p.g.RunTick(3))
	assert.Equal(t, Generation(3), n.Gen())
	require.NoError(t, p.g.RunTick(4))
	assert.Equal(t, 6, p.consumer.last().Bins())
}

func TestBridgePolicyServesBoundedOldFrames(t *testing.T) {
	cfg := DefaultConfig()
	// First generation is 2*12 = 24 elements; 24/48 = 0.5 pressure lands
	// in the bridge band and leaves room for the replacement.
	cfg.PoolBudget = 48
	cfg.BridgeTicks = 2
	p := buildPipeline(t, cfg)
	require.NoError(t, p.g.RunTick(1))
	require.Equal(t, 1, p.consumer.count())

	p.g.NotifyExtent(1200, 700)

	// Hold the build task aside to keep the node in Building.
	var build Task
	runHeld := func(tick uint64) {
		for _, task := range p.g.Plan(tick) {
			if task.Kind == TaskBuild {
				build = task
				continue
			}
			require.NoError(t, p.g.Execute(task))
		}
		p.g.FinishTick(tick)
	}

	runHeld(2)
	require.Equal(t, PolicyBridge, p.g.Node(p.anID).Policy())
	require.Equal(t, 2, p.consumer.count(), "bridge tick 1 re-serves the old frame")
	assert.True(t, p.consumer.last().Degraded)
	assert.Equal(t, Generation(1), p.consumer.last().Gen)
	assert.Equal(t, uint64(2), p.consumer.last().Tick)

	runHeld(3)
	require.Equal(t, 3, p.consumer.count(), "bridge tick 2 re-serves the old frame")

	runHeld(4)
	require.Equal(t, 3, p.consumer.count(), "past the bridge bound the consumer pauses")

	// Build lands; service resumes on the new generation.
	require.NoError(t, p.g.Execute(build))
	require.NoError(t, p.g.RunTick(5))
	assert.Equal(t, 4, p.consumer.count())
	assert.Equal(t, Generation(2), p.consumer.last().Gen)
	assert.False(t, p.consumer.last().Degraded)
}

func TestAllocationFailureFallsBackToPause(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolBudget = 24 // exactly the first generation, nothing spare
	p := buildPipeline(t, cfg)
	require.NoError(t, p.g.RunTick(1))

	p.g.NotifyExtent(2000, 900)
	require.NoError(t, p.g.RunTick(2))

	n := p.g.Node(p.anID)
	assert.Equal(t, uint64(1), p.g.Stats().AllocationFailures)
	assert.Equal(t, PolicyPause, n.Policy())
	assert.Equal(t, Generation(1), n.Gen(), "failed build never swaps")

	// Paused: the consumer is not scheduled while the retry loop runs.
	count := p.consumer.count()
	require.NoError(t, p.g.RunTick(3))
	assert.Equal(t, count, p.consumer.count())
	assert.Greater(t, p.g.Stats().AllocationFailures, uint64(1))
}

func TestUnderrunStalenessBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStaleness = 2
	p := buildPipeline(t, cfg)

	p.source.errs = []error{
		nil,
		ErrInputUnderrun, ErrInputUnderrun,
		ErrInputUnderrun, ErrInputUnderrun, ErrInputUnderrun,
	}

	require.NoError(t, p.g.RunTick(1))
	require.Equal(t, 1, p.consumer.count())
	require.False(t, p.consumer.last().Degraded)

	// Within the bound the held block keeps the pipeline fed, flagged
	// degraded.
	require.NoError(t, p.g.RunTick(2))
	require.NoError(t, p.g.RunTick(3))
	assert.True(t, p.consumer.last().Degraded)
	within := p.consumer.count()
	assert.Greater(t, within, 1)

	// Past the bound the consumer is refused rather than fed stale data.
	for tick := uint64(4); tick <= 7; tick++ {
		require.NoError(t, p.g.RunTick(tick))
	}
	assert.Equal(t, within, p.consumer.count())
	assert.Greater(t, p.g.Stats().Underruns, uint64(2))
}

func TestDeviceLostPropagates(t *testing.T) {
	p := buildPipeline(t, DefaultConfig())
	p.source.errs = []error{ErrDeviceLost}
	err := p.g.RunTick(1)
	require.ErrorIs(t, err, ErrDeviceLost)
}

// hookAnalyzer runs fn once from inside Analyze, letting tests land
// protocol events in the middle of an in-flight analysis.
type hookAnalyzer struct {
	stubAnalyzer
	fn func()
}

func (a *hookAnalyzer) Analyze(block dsp.SampleBlock) []cqt.Bin {
	if a.fn != nil {
		fn := a.fn
		a.fn = nil
		fn()
	}
	return a.stubAnalyzer.Analyze(block)
}

func TestSwapDuringAnalysisKeepsNewGeneration(t *testing.T) {
	g := New(DefaultConfig())
	src := &stubSource{rate: 48000}
	cons := &captureConsumer{}

	hook := &hookAnalyzer{stubAnalyzer: stubAnalyzer{bins: 12, value: 1}}
	first := true
	builder := func(extent Extent) (Analyzer, error) {
		if first {
			first = false
			return hook, nil
		}
		return &stubAnalyzer{bins: extent.Width / 100, value: float64(extent.Width)}, nil
	}

	srcID := g.AddSource("mic", src)
	anID, err := g.AddAnalyzer("cqt", builder)
	require.NoError(t, err)
	consID := g.AddConsumer("ws", cons)
	targetID := g.AddTarget("window")
	require.NoError(t, g.Connect(srcID, anID, PayloadSamples))
	require.NoError(t, g.Connect(anID, consID, PayloadSpectrum))
	require.NoError(t, g.Connect(targetID, anID, PayloadReconfig))

	require.NoError(t, g.RunTick(1))

	g.NotifyExtent(2000, 900)
	tasks := g.Plan(2)
	var build Task
	for _, task := range tasks {
		if task.Kind == TaskBuild {
			build = task
		}
	}
	require.Equal(t, Generation(2), build.Gen)

	// The scheduler runs builds fire-and-forget, so a cutover build can
	// commit while the old generation's analysis is still computing. The
	// analysis result must be dropped, never written over the swap.
	hook.fn = func() { require.NoError(t, g.Execute(build)) }
	for _, task := range tasks {
		if task.Kind == TaskBuild {
			continue
		}
		require.NoError(t, g.Execute(task))
	}
	g.FinishTick(2)

	res := g.Node(anID).Published()
	require.Equal(t, Generation(2), res.Gen, "the swapped generation stays published")
	require.Len(t, res.Data, 2*20)

	// The next tick runs the new analyzer against the new buffer.
	require.NoError(t, g.RunTick(3))
	last := cons.last()
	assert.Equal(t, Generation(2), last.Gen)
	assert.Equal(t, 20, last.Bins())
}

func TestBridgeBoundSharedAcrossConsumers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolBudget = 48
	cfg.BridgeTicks = 2
	p := buildPipeline(t, cfg)

	second := &captureConsumer{}
	secondID := p.g.AddConsumer("udp", second)
	require.NoError(t, p.g.Connect(p.anID, secondID, PayloadSpectrum))

	require.NoError(t, p.g.RunTick(1))
	require.Equal(t, 1, p.consumer.count())
	require.Equal(t, 1, second.count())

	p.g.NotifyExtent(1200, 700)

	runHeld := func(tick uint64) {
		for _, task := range p.g.Plan(tick) {
			if task.Kind == TaskBuild {
				continue
			}
			require.NoError(t, p.g.Execute(task))
		}
		p.g.FinishTick(tick)
	}

	runHeld(2)
	require.Equal(t, PolicyBridge, p.g.Node(p.anID).Policy())
	runHeld(3)
	runHeld(4)

	// The bound counts ticks, not deliveries: both consumers see the
	// full two bridged ticks instead of splitting the counter.
	assert.Equal(t, 3, p.consumer.count())
	assert.Equal(t, 3, second.count())
	assert.True(t, p.consumer.last().Degraded)
	assert.True(t, second.last().Degraded)
}

func TestConsumerNeverObservesOlderGeneration(t *testing.T) {
	p := buildPipeline(t, DefaultConfig())
	require.NoError(t, p.g.RunTick(1))

	p.g.NotifyExtent(2000, 900)
	require.NoError(t, p.g.RunTick(2))
	require.NoError(t, p.g.RunTick(3))
	require.Equal(t, Generation(2), p.consumer.last().Gen)

	// Force a stale publication; the consumer must skip it.
	an := p.g.Node(p.anID)
	an.published.Store(&Resource{ID: 999, Gen: 1, Data: make([]float64, 24)})
	before := p.consumer.count()
	require.NoError(t, p.g.Execute(Task{Kind: TaskDeliver, Node: p.consID, Tick: 4}))
	assert.Equal(t, before, p.consumer.count())
}

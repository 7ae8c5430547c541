package cadence

import (
	"context"
	"sync"
	"testing"

	"github.com/gomlx/daso/codec"
	"github.com/gomlx/daso/internal/dtype"
	"github.com/gomlx/daso/topology"
	"github.com/gomlx/daso/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOptimizer struct{ steps int }

func (o *fakeOptimizer) Step() error { o.steps++; return nil }

type fakeParam struct {
	name   string
	values []float64
	grad   bool
	zeroed int
}

func (p *fakeParam) Name() string       { return p.name }
func (p *fakeParam) Shape() []int       { return []int{len(p.values)} }
func (p *fakeParam) DType() dtype.DType { return dtype.Float64 }
func (p *fakeParam) RequiresGrad() bool { return p.grad }
func (p *fakeParam) Flat() []float64    { return append([]float64(nil), p.values...) }
func (p *fakeParam) SetFlat(v []float64) error {
	copy(p.values, v)
	return nil
}
func (p *fakeParam) ZeroGrad() { p.zeroed++ }

type fakeSource struct{ params []codec.Parameter }

func (s *fakeSource) Parameters() []codec.Parameter { return s.params }

func newModel() *fakeSource {
	return &fakeSource{params: []codec.Parameter{
		&fakeParam{name: "w", values: []float64{1, 2, 3}, grad: true},
	}}
}

func newModelWithValue(v float64) *fakeSource {
	return &fakeSource{params: []codec.Parameter{
		&fakeParam{name: "w", values: []float64{v}, grad: true},
	}}
}

type fakeToggle struct{ calls []bool }

func (f *fakeToggle) SetLocalSyncEnabled(v bool) { f.calls = append(f.calls, v) }

func TestConfigValidationRejectsMissingTotalEpochs(t *testing.T) {
	cfg := DefaultConfig()
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	_, err = New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.Error(t, err)
}

func TestConfigValidationRejectsZeroChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	cfg.SendingChunkSize = 0
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	_, err = New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.Error(t, err)
}

func TestNewRequiresOptimizerAndSubgroups(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)

	_, err = New(cfg, nil, groups[0], groups, groups[0])
	require.Error(t, err)

	_, err = New(cfg, &fakeOptimizer{}, groups[0], nil, groups[0])
	require.Error(t, err)
}

func TestWarmupEpochsKeepSkipsAtZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalEpochs = 20
	cfg.WarmupEpochs = 3
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)

	ctx := context.Background()
	for e := 0; e < cfg.WarmupEpochs; e++ {
		require.NoError(t, ctrl.EpochLossLogic(ctx, 1.0, true))
		assert.Equal(t, 0, ctrl.globalSkip)
		assert.Equal(t, 0, ctrl.localSkip)
		assert.Equal(t, 0, ctrl.batchesToWait)
		ctrl.epoch++
	}
}

func TestWarmupExitSeedsCyclingValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalEpochs = 20
	cfg.WarmupEpochs = 2
	cfg.CooldownEpochs = 0
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	ctrl.epoch = cfg.WarmupEpochs

	ctx := context.Background()
	// A large loss (worse than +Inf*(1-threshold) is impossible, so this
	// first post-warmup call is never judged stable) leaves the seeded
	// values intact.
	require.NoError(t, ctrl.EpochLossLogic(ctx, 1.0, true))
	assert.Equal(t, 4, ctrl.globalSkip)
	assert.Equal(t, 1, ctrl.localSkip)
	assert.Equal(t, 1, ctrl.batchesToWait)
}

func TestWarmupExitValuesCanHalveSameEpochIfStable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalEpochs = 20
	cfg.WarmupEpochs = 2
	cfg.CooldownEpochs = 0
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	ctrl.epoch = cfg.WarmupEpochs
	// Prime the plateau detector with enough non-improving readings that it
	// is already past its patience by the time EpochLossLogic runs, so the
	// warmup-exit seeding of g=4 l=1 w=1 and the stability halving both
	// apply within the same call.
	for i := 0; i < 4; i++ {
		ctrl.detector.TestIfImproving(10.0)
	}

	ctx := context.Background()
	require.NoError(t, ctrl.EpochLossLogic(ctx, 10.0, true))
	// Seeded g=4 l=1 w=1 falls straight through into the stability branch
	// in the same call, halving g to 2; w decrements to 0 but is floored
	// back to 1 since g remains > 0.
	assert.Equal(t, 2, ctrl.globalSkip)
	assert.Equal(t, 1, ctrl.batchesToWait)
}

func TestCooldownForcesSkipsToZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	cfg.WarmupEpochs = 2
	cfg.CooldownEpochs = 3
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	ctrl.epoch = cfg.TotalEpochs - cfg.CooldownEpochs
	ctrl.globalSkip, ctrl.localSkip, ctrl.batchesToWait = 8, 2, 2

	require.NoError(t, ctrl.EpochLossLogic(context.Background(), 1.0, true))
	assert.Equal(t, 0, ctrl.globalSkip)
	assert.Equal(t, 0, ctrl.localSkip)
	assert.Equal(t, 0, ctrl.batchesToWait)
}

func TestEpochLossLogicDoesNotAdvanceEpochCounter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalEpochs = 20
	cfg.WarmupEpochs = 5
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)

	require.NoError(t, ctrl.EpochLossLogic(context.Background(), 1.0, true))
	assert.Equal(t, 0, ctrl.epoch)
}

func TestZeroGradCallsOptionalInterface(t *testing.T) {
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)

	model := newModel()
	ctrl.SetModel(model)
	ctrl.ZeroGrad()
	assert.Equal(t, 1, model.params[0].(*fakeParam).zeroed)
}

func TestZeroGradNoopWithoutModel(t *testing.T) {
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	assert.NotPanics(t, func() { ctrl.ZeroGrad() })
}

func TestStepRunsUnderlyingOptimizerEveryBatch(t *testing.T) {
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10

	opt := &fakeOptimizer{}
	ctrl, err := New(cfg, opt, groups[0], groups, groups[0])
	require.NoError(t, err)
	ctrl.SetModel(newModel())
	require.NoError(t, ctrl.SetLastBatch(3))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, ctrl.Step(ctx))
	}
	assert.Equal(t, 4, opt.steps)
}

func TestStepRequiresLastBatchSet(t *testing.T) {
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	require.Error(t, ctrl.Step(context.Background()))
}

func TestGlobalSyncRunsEveryBatchDuringWarmup(t *testing.T) {
	// During warmup g=l=w=0, so every batch's gmod==0 triggers globalSync
	// (one subgroup, one rank, so the reduction is a same-rank no-op).
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	ctrl.SetModel(newModel())
	require.NoError(t, ctrl.SetLastBatch(2))

	ctx := context.Background()
	require.NoError(t, ctrl.Step(ctx))
	require.NoError(t, ctrl.Step(ctx))
	require.NoError(t, ctrl.Step(ctx))
	// currentBatch resets to 0 and epoch advances once the last batch's
	// globalSync completes.
	assert.Equal(t, 1, ctrl.epoch)
	assert.Equal(t, 0, ctrl.currentBatch)
}

func TestSendRecordQueueDepthAtMostOnePerSubgroup(t *testing.T) {
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	ctrl.SetModel(newModel())
	require.NoError(t, ctrl.SetLastBatch(5))

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, ctrl.Step(ctx))
		assert.LessOrEqual(t, len(ctrl.sendRecords), 1)
	}
}

// TestGmodEqualsWHatBroadcastsLocally exercises the cycling-phase
// gmod==wHat branch across a 2-node, 2-local-rank mesh: only the local
// rank owning the completing subgroup index unpacks the reduced record,
// so every other rank in its node depends on the local broadcast to pick
// up the fresh value. With g=4 l=2 w=2, nodes {0,1}/{2,3} and global
// subgroups {0,2}/{1,3}, this branch fires on batch 2, right after subgroup 0's record (posted
// by ranks 0 and 2 at batch 0) is due.
func TestGmodEqualsWHatBroadcastsLocally(t *testing.T) {
	mesh, err := topology.NewMesh("m", []int{2, 2}, []string{"node", "local"})
	require.NoError(t, err)
	_, worldGroups, err := transport.NewWorld(4)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TotalEpochs = 20

	ctrls := make([]*Controller, 4)
	models := make([]*fakeSource, 4)
	for r := 0; r < 4; r++ {
		ctrl, err := NewFromMesh(cfg, &fakeOptimizer{}, worldGroups[r], mesh)
		require.NoError(t, err)
		models[r] = newModelWithValue(float64(100 + r))
		ctrl.SetModel(models[r])
		ctrl.globalSkip, ctrl.localSkip, ctrl.batchesToWait = 4, 2, 2
		require.NoError(t, ctrl.SetLastBatch(10))
		ctrls[r] = ctrl
	}

	ctx := context.Background()
	errs := make([]error, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	for r := 0; r < 4; r++ {
		r := r
		go func() {
			defer wg.Done()
			for batch := 0; batch < 3; batch++ {
				if err := ctrls[r].Step(ctx); err != nil {
					errs[r] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	value := func(r int) float64 { return models[r].params[0].(*fakeParam).values[0] }
	assert.Equal(t, value(0), value(1), "rank 1 must pick up rank 0's reduced value via local broadcast")
	assert.Equal(t, value(2), value(3), "rank 3 must pick up rank 2's reduced value via local broadcast")
}

// TestDefaultBranchStopsLocalSyncBeforeEpochEnd exercises the l==1
// default-branch path at the boundary where the "advance and restart
// local sync" shortcut no longer applies (next == lastBatch): the
// controller must fall through to the general lmod==0 -> stop rule
// instead of unconditionally restarting local sync.
func TestDefaultBranchStopsLocalSyncBeforeEpochEnd(t *testing.T) {
	_, groups, err := transport.NewWorld(1)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.TotalEpochs = 10
	ctrl, err := New(cfg, &fakeOptimizer{}, groups[0], groups, groups[0])
	require.NoError(t, err)
	ctrl.SetModel(newModel())
	toggle := &fakeToggle{}
	ctrl.SetLocalSyncToggle(toggle)
	ctrl.globalSkip, ctrl.localSkip, ctrl.batchesToWait = 10, 1, 0
	require.NoError(t, ctrl.SetLastBatch(3))

	ctx := context.Background()
	require.NoError(t, ctrl.Step(ctx)) // batch 0: gmod==0, global sync
	require.NoError(t, ctrl.Step(ctx)) // batch 1: default branch, next=2 != lastBatch, shortcut applies
	toggle.calls = nil
	require.NoError(t, ctrl.Step(ctx)) // batch 2: default branch, next=3 == lastBatch, shortcut skipped
	assert.Equal(t, []bool{false, true}, toggle.calls)
	assert.Equal(t, 3, ctrl.currentBatch)
}

// Package cadence implements the DASO-style cadence controller: a per-batch
// state machine governing warmup/cycling/cooldown, the global-skip interval,
// batches-to-wait, the local-skip interval, and the rotation of which
// local-rank subgroup performs the next global parameter reduction.
package cadence

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/gomlx/daso/codec"
	"github.com/gomlx/daso/internal/dtype"
	"github.com/gomlx/daso/internal/xlog"
	"github.com/gomlx/daso/plateau"
	"github.com/gomlx/daso/topology"
	"github.com/gomlx/daso/transport"
	"github.com/pkg/errors"
)

// plateauPatience is the patience the reference implementation hardcodes
// for its plateau detector; only the threshold is a configuration option.
const plateauPatience = 2

// Optimizer is the wrapped per-step optimizer.
type Optimizer interface {
	Step() error
}

// Scheduler replaces the optimizer's Step when attached.
type Scheduler interface {
	Step() error
}

// Scaler opts a step into mixed-precision gradient scaling; when attached
// it replaces both the optimizer's and the scheduler's Step.
type Scaler interface {
	StepAndUpdate(Optimizer) error
}

// LocalSyncToggle controls whether a local (e.g. intra-process,
// data-parallel) wrapper performs its usual gradient all-reduce on the next
// backward pass. Controller no-ops when none is attached.
type LocalSyncToggle interface {
	SetLocalSyncEnabled(bool)
}

// gradZeroer is implemented by parameters that carry their own gradient
// storage; ZeroGrad is a no-op for parameters that don't.
type gradZeroer interface {
	ZeroGrad()
}

// Config is the configuration surface of §6, with Go zero values standing
// in for "not set" — callers should start from DefaultConfig and override
// only the fields they need, the same way the reference implementation's
// keyword defaults work.
type Config struct {
	TotalEpochs      int
	WarmupEpochs     int
	CooldownEpochs   int
	StabilityLevel   float64
	MaxGlobalSkips   int
	SendingChunkSize int
	DowncastType     dtype.Reduced
	UseMPIGroups     bool
	Verbose          bool
}

// DefaultConfig returns the configuration surface's documented defaults.
// TotalEpochs has no default — it is required.
func DefaultConfig() Config {
	return Config{
		WarmupEpochs:     4,
		CooldownEpochs:   4,
		StabilityLevel:   0.05,
		MaxGlobalSkips:   8,
		SendingChunkSize: 10_000_000,
		DowncastType:     dtype.BFloat16,
		UseMPIGroups:     true,
	}
}

func (c Config) validate() error {
	if c.TotalEpochs <= 0 {
		return errors.New("cadence: TotalEpochs is required and must be positive")
	}
	if c.WarmupEpochs < 0 {
		return errors.New("cadence: WarmupEpochs must be >= 0")
	}
	if c.CooldownEpochs < 0 {
		return errors.New("cadence: CooldownEpochs must be >= 0")
	}
	if c.MaxGlobalSkips < 0 {
		return errors.New("cadence: MaxGlobalSkips must be >= 0")
	}
	if c.SendingChunkSize <= 0 {
		return errors.New("cadence: SendingChunkSize must be positive")
	}
	return nil
}

// Controller is the per-rank DASO cadence state machine. A Controller is
// single-threaded: Step, EpochLossLogic, and the setters must all be called
// from the same goroutine driving this rank's training loop.
type Controller struct {
	cfg Config
	log *xlog.Logger

	world        *transport.Group   // whole job, used for the epoch-loss allreduce
	globalGroups []*transport.Group // K subgroups, one rank per node, indexed by local-GPU index m
	localGroup   *transport.Group   // this rank's intra-node group; local rank m is subgroup m's broadcast source

	optimizer    Optimizer
	scheduler    Scheduler
	scaler       Scaler
	localToggle  LocalSyncToggle
	model        codec.ParameterSource
	detector     *plateau.Detector

	epoch        int
	currentBatch int
	lastBatch    int
	lastBatchSet bool

	globalSkip    int
	localSkip     int
	batchesToWait int
	sendMod       int
	sendModPrev   int
	hasSendMod    bool // whether sendModPrev is meaningful yet

	// sendRecords holds at most one outstanding record per subgroup index,
	// per §3's "Parameter send record" / §5's queue-length-≤1 invariant.
	sendRecords map[int]*codec.SendRecord
}

// New creates a Controller. globalGroups must have one entry per local-rank
// subgroup (K = len(globalGroups)); localGroup is this rank's intra-node
// group, where local rank m is the designated broadcast source for global
// subgroup m (pass a size-1 group when there is no local distributed
// environment — every local broadcast becomes a same-rank no-op).
func New(cfg Config, optimizer Optimizer, world *transport.Group, globalGroups []*transport.Group, localGroup *transport.Group) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if optimizer == nil {
		return nil, errors.New("cadence: local_optimizer is required")
	}
	if len(globalGroups) == 0 {
		return nil, errors.New("cadence: at least one local-rank subgroup is required")
	}
	return &Controller{
		cfg:          cfg,
		log:          xlog.New(world.Rank(), cfg.Verbose),
		world:        world,
		globalGroups: globalGroups,
		localGroup:   localGroup,
		optimizer:    optimizer,
		detector:     plateau.New(cfg.StabilityLevel, plateauPatience),
		sendRecords:  make(map[int]*codec.SendRecord),
	}, nil
}

// NewFromMesh builds a Controller's group topology from a two-axis
// ("node", "local") topology.Mesh instead of requiring the caller to
// construct globalGroups/localGroup by hand.
func NewFromMesh(cfg Config, optimizer Optimizer, world *transport.Group, mesh *topology.Mesh) (*Controller, error) {
	globalGroups, localGroup, err := mesh.CadenceGroups(world, world.Rank())
	if err != nil {
		return nil, errors.Wrap(err, "cadence: deriving group topology from mesh")
	}
	return New(cfg, optimizer, world, globalGroups, localGroup)
}

// SetModel binds the parameter iterator used by Pack/UnpackBlend.
func (c *Controller) SetModel(model codec.ParameterSource) { c.model = model }

// AddScaler opts the controller into a gradient scaler's step+update, which
// then takes precedence over a scheduler or the bare optimizer.
func (c *Controller) AddScaler(s Scaler) { c.scaler = s }

// SetScheduler attaches a scheduler, whose Step replaces the optimizer's
// when no scaler is attached.
func (c *Controller) SetScheduler(s Scheduler) { c.scheduler = s }

// SetLocalSyncToggle attaches the local data-parallel wrapper this
// controller toggles gradient sync on; without one, local sync start/stop
// is a no-op.
func (c *Controller) SetLocalSyncToggle(t LocalSyncToggle) { c.localToggle = t }

// SetLastBatch records the index of the current epoch's last batch (batches
// are numbered 0..n, so an epoch of n+1 batches passes n). It must
// be called before the first Step of every epoch; an unset last batch is a
// caller error.
func (c *Controller) SetLastBatch(n int) error {
	if n < 0 {
		return errors.Errorf("cadence: last batch must be >= 0, got %d", n)
	}
	c.lastBatch = n
	c.lastBatchSet = true
	return nil
}

// ZeroGrad clears every trainable parameter's gradient, for parameters that
// carry their own (optional gradZeroer interface); it is a no-op for ones
// that don't and when no model is bound.
func (c *Controller) ZeroGrad() {
	if c.model == nil {
		return
	}
	for _, p := range c.model.Parameters() {
		if z, ok := p.(gradZeroer); ok {
			z.ZeroGrad()
		}
	}
}

func (c *Controller) stepUnderlyingOptimizer() error {
	if c.scaler != nil {
		return c.scaler.StepAndUpdate(c.optimizer)
	}
	if c.scheduler != nil {
		return c.scheduler.Step()
	}
	return c.optimizer.Step()
}

func (c *Controller) startLocalSync() {
	if c.localToggle != nil {
		c.localToggle.SetLocalSyncEnabled(true)
	}
}

func (c *Controller) stopLocalSync() {
	if c.localToggle != nil {
		c.localToggle.SetLocalSyncEnabled(false)
	}
}

// EpochLossLogic must be called once at each epoch boundary with that
// epoch's training loss. It updates the warmup/cycling/cooldown skip
// parameters and consults the plateau detector exactly per §4.G.
func (c *Controller) EpochLossLogic(ctx context.Context, loss float64, alreadyAveraged bool) error {
	avgLoss := loss
	if !alreadyAveraged {
		avg, err := c.allreduceMeanLoss(ctx, loss)
		if err != nil {
			return err
		}
		avgLoss = avg
	}

	if c.epoch < c.cfg.WarmupEpochs {
		c.globalSkip, c.localSkip, c.batchesToWait = 0, 0, 0
		c.log.Printf(xlog.Debug, "warmup epoch %d: g=0 l=0 w=0", c.epoch)
		return nil
	}
	if c.epoch == c.cfg.WarmupEpochs {
		c.globalSkip, c.localSkip, c.batchesToWait = 4, 1, 1
		c.log.Printf(xlog.Debug, "entering cycling at epoch %d: seeded g=4 l=1 w=1", c.epoch)
	}
	if c.epoch >= c.cfg.TotalEpochs-c.cfg.CooldownEpochs {
		c.globalSkip, c.localSkip, c.batchesToWait = 0, 0, 0
		c.log.Printf(xlog.Debug, "cooldown epoch %d: g=0 l=0 w=0", c.epoch)
		return nil
	}

	stable := c.detector.TestIfImproving(avgLoss)
	switch {
	case stable && c.globalSkip > 1:
		c.globalSkip /= 2
		c.localSkip /= 2
		c.batchesToWait--
		if c.globalSkip > 0 {
			if c.batchesToWait < 1 {
				c.batchesToWait = 1
			}
			if c.localSkip < 1 {
				c.localSkip = 1
			}
		}
	case stable && c.globalSkip == 1:
		c.globalSkip = c.cfg.MaxGlobalSkips
		c.localSkip = c.cfg.MaxGlobalSkips / 4
		c.batchesToWait = c.cfg.MaxGlobalSkips / 4
	}
	c.log.Printf(xlog.Info, "epoch %d: avg_loss=%.6f stable=%v g=%d l=%d w=%d",
		c.epoch, avgLoss, stable, c.globalSkip, c.localSkip, c.batchesToWait)
	return nil
}

func (c *Controller) allreduceMeanLoss(ctx context.Context, loss float64) (float64, error) {
	size := c.world.Size()
	buf := make([]byte, size*8)
	binary.LittleEndian.PutUint64(buf[c.world.Rank()*8:], math.Float64bits(loss))
	if err := c.world.Allreduce(ctx, buf, transport.SumFloat64); err != nil {
		return 0, errors.Wrap(err, "cadence: epoch loss allreduce")
	}
	var sum float64
	for r := 0; r < size; r++ {
		sum += math.Float64frombits(binary.LittleEndian.Uint64(buf[r*8:]))
	}
	return sum / float64(size), nil
}

// Step runs one training batch's worth of cadence logic: the underlying
// optimizer step, then the per-batch global/local sync state machine of
// §4.G. It must be called once per batch, with SetLastBatch already called
// for the current epoch.
func (c *Controller) Step(ctx context.Context) error {
	if !c.lastBatchSet {
		return errors.New("cadence: SetLastBatch must be called before Step (caller error)")
	}
	if err := c.stepUnderlyingOptimizer(); err != nil {
		return errors.Wrap(err, "cadence: underlying optimizer step")
	}

	batch := c.currentBatch
	next := batch + 1
	g, l, w := c.globalSkip, c.localSkip, c.batchesToWait

	gmod := 0
	if g != 0 {
		gmod = batch % g
	}
	lmod := 0
	if l != 0 {
		lmod = batch % l
	}
	wHat := w
	if rem := c.lastBatch - batch; rem < wHat {
		wHat = rem
	}

	switch {
	case batch == c.lastBatch || gmod == 0:
		return c.globalSync(ctx, wHat)
	case g != 0 && next%g == 0:
		c.startLocalSync()
		c.currentBatch++
	case gmod < wHat:
		c.currentBatch++
	case gmod == wHat:
		if err := c.completePreviousRecord(ctx); err != nil {
			return err
		}
		if err := c.broadcastLocal(ctx, c.sendModPrev); err != nil {
			return err
		}
		if l > 1 {
			c.stopLocalSync()
		}
		c.currentBatch++
	default:
		if l == 1 && next != c.lastBatch {
			c.currentBatch++
			c.startLocalSync()
			return nil
		}
		if lmod == 0 {
			c.stopLocalSync()
		} else if l != 0 && next%l == 0 {
			c.startLocalSync()
		}
		c.currentBatch++
	}

	if next == c.lastBatch {
		c.startLocalSync()
	}
	return nil
}

// globalSync implements the "Global sync" paragraph of §4.G: pack and post
// this batch's subgroup reduction, complete whatever the previous rotation
// posted, and rotate the subgroup index.
func (c *Controller) globalSync(ctx context.Context, batchesToWait int) error {
	k := len(c.globalGroups)
	m := c.sendMod
	isLastBatch := c.currentBatch == c.lastBatch

	if c.localGroup.Rank() == m {
		cast := c.globalSkip < 1
		var downcast *dtype.Reduced
		if cast {
			d := c.cfg.DowncastType
			downcast = &d
		}
		if err := c.postReduction(ctx, m, downcast, batchesToWait); err != nil {
			return err
		}
	}

	if batchesToWait != 0 {
		if err := c.completePreviousRecord(ctx); err != nil {
			return err
		}
		if err := c.broadcastLocal(ctx, c.sendModPrev); err != nil {
			return err
		}
	}

	if isLastBatch || batchesToWait == 0 {
		if err := c.completeTerminalRecord(ctx, m); err != nil {
			return err
		}
		if err := c.broadcastLocal(ctx, m); err != nil {
			return err
		}
	}

	c.sendModPrev, c.hasSendMod = m, true
	c.sendMod = (m + 1) % k
	if isLastBatch {
		c.sendMod = 0
		c.epoch++
		c.currentBatch = 0
	} else {
		c.currentBatch++
	}
	return nil
}

// postReduction packs this rank's trainable parameters (casting iff
// downcast is non-nil) and posts a non-blocking sum reduction over subgroup
// m, enqueueing the resulting send record.
func (c *Controller) postReduction(ctx context.Context, m int, downcast *dtype.Reduced, batchesToWait int) error {
	if c.model == nil {
		return errors.New("cadence: SetModel must be called before a global sync can run")
	}
	if _, pending := c.sendRecords[m]; pending {
		return errors.Errorf("cadence: internal invariant violated: subgroup %d already has an outstanding send record", m)
	}
	buf, layout, err := codec.Pack(c.model, downcast)
	if err != nil {
		return errors.Wrap(err, "cadence: packing parameters")
	}
	op := transport.SumFloat64
	if downcast != nil {
		op = transport.SumReduced(*downcast)
	}

	totalElems := 0
	for _, e := range layout {
		if e.End > totalElems {
			totalElems = e.End
		}
	}
	chunks := codec.ChunkBuffers(buf, totalElems, c.cfg.SendingChunkSize, downcast)
	handles := make([]*transport.Handle, len(chunks))
	for i, chunk := range chunks {
		handles[i] = c.globalGroups[m].IAllreduce(ctx, chunk, op)
	}

	c.sendRecords[m] = &codec.SendRecord{
		Handles:          handles,
		Buffers:          chunks,
		Layout:           layout,
		BatchesSinceSend: batchesToWait,
	}
	return nil
}

// completePreviousRecord unpacks the subgroup send record posted on the
// previous rotation, blending it with the fresh local value.
func (c *Controller) completePreviousRecord(ctx context.Context) error {
	if !c.hasSendMod {
		return nil
	}
	rec, ok := c.sendRecords[c.sendModPrev]
	if !ok {
		return nil
	}
	delete(c.sendRecords, c.sendModPrev)
	return c.unpackRecord(ctx, rec, c.globalGroups[c.sendModPrev].Size())
}

// completeTerminalRecord unpacks the just-posted record for subgroup m with
// the terminal blend (α=0): the received average fully replaces the param.
func (c *Controller) completeTerminalRecord(ctx context.Context, m int) error {
	rec, ok := c.sendRecords[m]
	if !ok {
		return nil
	}
	delete(c.sendRecords, m)
	return c.unpackRecordWith(ctx, rec, 0, float64(c.globalGroups[m].Size()))
}

func (c *Controller) unpackRecord(ctx context.Context, rec *codec.SendRecord, subgroupSize int) error {
	numer := 1.0
	if rec.BatchesSinceSend > 0 {
		numer = 2.0 * float64(rec.BatchesSinceSend)
	}
	denom := float64(subgroupSize) + numer
	alpha := numer / denom
	return c.unpackRecordWith(ctx, rec, alpha, denom)
}

func (c *Controller) unpackRecordWith(ctx context.Context, rec *codec.SendRecord, alpha, denom float64) error {
	var downcast *dtype.Reduced
	if c.globalSkip < 1 {
		d := c.cfg.DowncastType
		downcast = &d
	}
	fetch := rec.ChunkFetcher(ctx)
	return codec.UnpackBlendChunked(fetch, rec.Layout, downcast, denom, alpha, c.model)
}

// broadcastLocal performs the intra-node parameter broadcast from the local
// rank owning global subgroup index m, one asynchronous broadcast per
// trainable parameter, then waits them all. It is a no-op when localGroup
// has only one member.
func (c *Controller) broadcastLocal(ctx context.Context, m int) error {
	if c.localGroup.Size() <= 1 || c.model == nil {
		return nil
	}
	params := c.model.Parameters()
	handles := make([]*transport.Handle, 0, len(params))
	bufs := make([][]byte, 0, len(params))
	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		vals := p.Flat()
		buf := dtype.EncodeFloat64(nil, vals)
		handles = append(handles, c.localGroup.IBroadcast(ctx, buf, m))
		bufs = append(bufs, buf)
	}
	names := make([]string, 0, len(params))
	for _, p := range params {
		if p.RequiresGrad() {
			names = append(names, p.Name())
		}
	}
	for i, h := range handles {
		if err := h.Wait(ctx); err != nil {
			return errors.Wrap(err, "cadence: local broadcast")
		}
		if c.localGroup.Rank() != m {
			vals, err := dtype.DecodeFloat64(bufs[i], len(bufs[i])/8)
			if err != nil {
				return err
			}
			if err := setParamByName(params, names[i], vals); err != nil {
				return err
			}
		}
	}
	return nil
}

func setParamByName(params []codec.Parameter, name string, vals []float64) error {
	for _, p := range params {
		if p.Name() == name {
			return p.SetFlat(vals)
		}
	}
	return errors.Errorf("cadence: no parameter named %q", name)
}

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"meshflow/internal/metrics"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/pool"
	"meshflow/pkg/tracing"
)

// PortHandle names a stage output as a (stage-id, port) pair. Stages refer
// to their upstream neighbors only through handles; the driver owns the
// graph, so no ownership cycles can form.
type PortHandle struct {
	StageID int
	Port    int
}

// unconnected marks an input port with no upstream.
var unconnected = PortHandle{StageID: -1}

type node struct {
	id     int
	alg    Algorithm
	inputs []PortHandle

	// reported caches this stage's reported metadata per output port.
	reported   []*metadata.Metadata
	cacheValid bool
	propMod    uint64
	modified   bool

	// fanInPool schedules map-reduce upstream requests; created lazily.
	fanInPool *pool.Pool

	// execMu serializes Execute calls for this stage within the rank.
	execMu sync.Mutex
}

// Driver holds the connected stage graph and drives updates through it.
type Driver struct {
	mu     sync.Mutex
	nodes  []*node
	ids    map[Algorithm]int
	logger *logrus.Logger
	tracer *tracing.Manager

	// PoolSize is the per-stage fan-in pool size; -1 means hardware
	// concurrency.
	PoolSize int
}

// NewDriver returns an empty pipeline graph.
func NewDriver(logger *logrus.Logger, tracer *tracing.Manager) *Driver {
	if tracer == nil {
		tracer, _ = tracing.NewManager(tracing.DefaultConfig(), logger)
	}
	return &Driver{
		ids:      make(map[Algorithm]int),
		logger:   logger,
		tracer:   tracer,
		PoolSize: -1,
	}
}

// Add registers a stage and returns its id. Adding a stage twice returns
// the existing id.
func (d *Driver) Add(alg Algorithm) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.add(alg)
}

func (d *Driver) add(alg Algorithm) int {
	if id, ok := d.ids[alg]; ok {
		return id
	}
	id := len(d.nodes)
	inputs := make([]PortHandle, alg.InputPorts())
	for i := range inputs {
		inputs[i] = unconnected
	}
	d.nodes = append(d.nodes, &node{
		id:       id,
		alg:      alg,
		inputs:   inputs,
		reported: make([]*metadata.Metadata, alg.OutputPorts()),
		modified: true,
	})
	d.ids[alg] = id
	return id
}

// Connect wires src's output port to dst's input port, registering either
// stage as needed. Cycles are rejected.
func (d *Driver) Connect(src Algorithm, srcPort int, dst Algorithm, dstPort int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	srcID := d.add(src)
	dstID := d.add(dst)
	if srcPort < 0 || srcPort >= src.OutputPorts() {
		return fmt.Errorf("pipeline: %s has no output port %d", src.Name(), srcPort)
	}
	if dstPort < 0 || dstPort >= dst.InputPorts() {
		return fmt.Errorf("pipeline: %s has no input port %d", dst.Name(), dstPort)
	}
	if d.reaches(srcID, dstID) {
		return fmt.Errorf("pipeline: connecting %s to %s would create a cycle",
			src.Name(), dst.Name())
	}
	d.nodes[dstID].inputs[dstPort] = PortHandle{StageID: srcID, Port: srcPort}
	d.nodes[dstID].modified = true
	return nil
}

// reaches reports whether to is reachable walking upstream from from.
func (d *Driver) reaches(from, to int) bool {
	if from == to {
		return true
	}
	for _, h := range d.nodes[from].inputs {
		if h.StageID >= 0 && d.reaches(h.StageID, to) {
			return true
		}
	}
	return false
}

// SetModified explicitly invalidates a stage's reported-metadata cache.
func (d *Driver) SetModified(alg Algorithm) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[alg]; ok {
		d.nodes[id].modified = true
	}
}

// Close stops the per-stage pools.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.nodes {
		if n.fanInPool != nil {
			n.fanInPool.Stop()
			n.fanInPool = nil
		}
	}
}

func (d *Driver) node(alg Algorithm) (*node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.ids[alg]
	if !ok {
		return nil, fmt.Errorf("pipeline: stage %s is not part of this pipeline", alg.Name())
	}
	return d.nodes[id], nil
}

// invalidate sweeps the graph, clearing caches downstream of any modified
// stage or mutated property bag. Returns nothing; validity lands in each
// node's cacheValid flag.
func (d *Driver) invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := make([]int, len(d.nodes)) // 0 unvisited, 1 valid, 2 invalid
	var visit func(n *node) bool
	visit = func(n *node) bool {
		if seen[n.id] != 0 {
			return seen[n.id] == 1
		}
		valid := n.cacheValid && !n.modified && n.propMod == n.alg.Properties().Mod()
		for _, h := range n.inputs {
			if h.StageID >= 0 && !visit(d.nodes[h.StageID]) {
				valid = false
			}
		}
		n.cacheValid = valid
		if valid {
			seen[n.id] = 1
		} else {
			seen[n.id] = 2
		}
		return valid
	}
	for _, n := range d.nodes {
		visit(n)
	}
}

// Report returns the cached or freshly computed reported metadata of one
// stage output. A failure here is fatal for the whole pipeline update.
func (d *Driver) Report(ctx context.Context, alg Algorithm, port int) (*metadata.Metadata, error) {
	d.invalidate()
	n, err := d.node(alg)
	if err != nil {
		return nil, err
	}
	return d.report(ctx, n, port)
}

func (d *Driver) report(ctx context.Context, n *node, port int) (*metadata.Metadata, error) {
	if port < 0 || port >= len(n.reported) {
		return nil, fmt.Errorf("pipeline: %s has no output port %d", n.alg.Name(), port)
	}
	if n.cacheValid && n.reported[port] != nil {
		metrics.ReportsComputed.WithLabelValues(n.alg.Name(), "cached").Inc()
		return n.reported[port], nil
	}

	in := make([]*metadata.Metadata, n.alg.InputPorts())
	for i, h := range n.inputs {
		if h.StageID < 0 {
			continue
		}
		up, err := d.report(ctx, d.upstream(h), h.Port)
		if err != nil {
			return nil, err
		}
		in[i] = up
	}

	sctx, span := d.tracer.StageSpan(ctx, n.alg.Name(), "report_metadata", port)
	md := n.alg.ReportMetadata(port, in)
	span.End()
	_ = sctx

	if md.Empty() {
		metrics.StageErrors.WithLabelValues(n.alg.Name(), string(errors.KindSemantic)).Inc()
		return nil, fmt.Errorf("pipeline: stage %s failed to report metadata on port %d",
			n.alg.Name(), port)
	}
	n.reported[port] = md
	n.cacheValid = true
	n.modified = false
	n.propMod = n.alg.Properties().Mod()
	metrics.ReportsComputed.WithLabelValues(n.alg.Name(), "computed").Inc()
	return md, nil
}

func (d *Driver) upstream(h PortHandle) *node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nodes[h.StageID]
}

// Request drives one request through the pipeline ending at the given stage
// output and returns the produced dataset.
func (d *Driver) Request(ctx context.Context, alg Algorithm, port int, req *metadata.Metadata) (dataset.Dataset, error) {
	n, err := d.node(alg)
	if err != nil {
		return nil, err
	}
	if _, err := d.report(ctx, n, port); err != nil {
		return nil, err
	}
	return d.request(ctx, n, port, req)
}

func (d *Driver) request(ctx context.Context, n *node, port int, req *metadata.Metadata) (dataset.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := make([]*metadata.Metadata, n.alg.InputPorts())
	for i, h := range n.inputs {
		if h.StageID >= 0 {
			in[i] = d.upstream(h).reported[h.Port]
		}
	}

	sctx, span := d.tracer.StageSpan(ctx, n.alg.Name(), "translate_request", port)
	upReqs := n.alg.TranslateRequest(port, in, req)
	span.End()
	if upReqs == nil {
		metrics.StageErrors.WithLabelValues(n.alg.Name(), string(errors.KindSemantic)).Inc()
		return nil, fmt.Errorf("pipeline: stage %s failed to translate a request on port %d",
			n.alg.Name(), port)
	}

	inData := make([]dataset.Dataset, n.alg.InputPorts())
	for i := 0; i < n.alg.InputPorts() && i < len(upReqs); i++ {
		reqs := upReqs[i]
		h := n.inputs[i]
		if len(reqs) == 0 || h.StageID < 0 {
			continue
		}
		up := d.upstream(h)
		if _, isReducer := n.alg.(Reducer); len(reqs) == 1 && !isReducer {
			ds, err := d.request(sctx, up, h.Port, reqs[0])
			if err != nil {
				return nil, err
			}
			inData[i] = ds
			continue
		}
		ds, err := d.mapReduce(sctx, n, up, h.Port, reqs, req)
		if err != nil {
			return nil, err
		}
		inData[i] = ds
	}

	n.execMu.Lock()
	ectx, espan := d.tracer.StageSpan(sctx, n.alg.Name(), "execute", port)
	t0 := time.Now()
	out := n.alg.Execute(port, inData, req)
	metrics.StageExecuteDuration.WithLabelValues(n.alg.Name()).Observe(time.Since(t0).Seconds())
	espan.End()
	n.execMu.Unlock()
	_ = ectx

	if out == nil {
		metrics.StageErrors.WithLabelValues(n.alg.Name(), string(errors.KindSemantic)).Inc()
		return nil, fmt.Errorf("pipeline: stage %s failed to execute on port %d", n.alg.Name(), port)
	}
	return out, nil
}

// fanIn returns the stage's map-reduce pool, starting it on first use.
func (d *Driver) fanIn(n *node) *pool.Pool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.fanInPool == nil {
		n.fanInPool = pool.New(d.PoolSize, d.logger)
		n.fanInPool.Start()
	}
	return n.fanInPool
}

// mapReduce fans reqs out to the upstream stage through n's pool and folds
// the results with n's reduce operator.
func (d *Driver) mapReduce(ctx context.Context, n *node, up *node, upPort int, reqs []*metadata.Metadata, downReq *metadata.Metadata) (dataset.Dataset, error) {
	red, ok := n.alg.(Reducer)
	if !ok {
		return nil, fmt.Errorf("pipeline: stage %s issued %d upstream requests but defines no reduce operator",
			n.alg.Name(), len(reqs))
	}
	p := d.fanIn(n)

	futures := make([]*pool.Future, len(reqs))
	for i, r := range reqs {
		r := r
		fut, err := p.Submit(func(tctx context.Context) (interface{}, error) {
			return d.request(ctx, up, upPort, r)
		})
		if err != nil {
			return nil, err
		}
		futures[i] = fut
		metrics.PoolQueueDepth.Set(float64(p.QueueDepth()))
	}

	mapper, _ := n.alg.(Mapper)
	tolerate := red.ToleratesMissing()
	missing := 0
	var acc dataset.Dataset

	combine := func(seq int, ds dataset.Dataset, err error) error {
		if ds != nil && mapper != nil {
			ds = mapper.MapDatum(seq, ds)
		}
		if err != nil || ds == nil {
			missing++
			metrics.StageErrors.WithLabelValues(n.alg.Name(), string(errors.KindResource)).Inc()
			if !tolerate {
				if err == nil {
					err = fmt.Errorf("upstream produced no data")
				}
				return fmt.Errorf("pipeline: stage %s: fan-in datum missing: %w", n.alg.Name(), err)
			}
			d.logger.WithFields(logrus.Fields{
				"stage":   n.alg.Name(),
				"missing": missing,
			}).Warn("Fan-in datum missing, reduction continues")
			return nil
		}
		if acc == nil {
			acc = ds
			return nil
		}
		acc = red.Reduce(acc, ds)
		metrics.ReduceOps.WithLabelValues(n.alg.Name()).Inc()
		if acc == nil {
			return fmt.Errorf("pipeline: stage %s reduce operator failed", n.alg.Name())
		}
		return nil
	}

	if red.OrderedReduction() {
		// Sequence order is submit order; fold left to right.
		for i, fut := range futures {
			v, err := fut.Wait(ctx)
			ds, _ := v.(dataset.Dataset)
			if cerr := combine(i, ds, err); cerr != nil {
				return nil, cerr
			}
		}
	} else {
		type result struct {
			seq int
			ds  dataset.Dataset
			err error
		}
		done := make(chan result, len(futures))
		for i, fut := range futures {
			i, fut := i, fut
			go func() {
				v, err := fut.Wait(ctx)
				ds, _ := v.(dataset.Dataset)
				done <- result{seq: i, ds: ds, err: err}
			}()
		}
		for range futures {
			r := <-done
			if cerr := combine(r.seq, r.ds, r.err); cerr != nil {
				return nil, cerr
			}
		}
	}

	if acc == nil {
		return nil, fmt.Errorf("pipeline: stage %s: all %d fan-in data missing", n.alg.Name(), len(reqs))
	}
	out := red.Finalize(acc, downReq)
	if out == nil {
		return nil, fmt.Errorf("pipeline: stage %s finalize failed", n.alg.Name())
	}
	return out, nil
}

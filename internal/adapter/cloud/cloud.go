// Package cloud implements the CloudPool of spec.md §4.6: an
// elastic, self-managed pool of VMs, each fronted by a ShellAdapter
// over an SSH transport once it becomes reachable, wrapping an EC2 or
// OpenStack-compatible API for actual VM lifecycle.
package cloud

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gc3pie/gc3core/internal/adapter/shell"
	"github.com/gc3pie/gc3core/internal/gcerror"
	"github.com/gc3pie/gc3core/internal/resource"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

// VMState is the lifecycle of one pool-managed VM (spec.md §4.6 point
// 1: "pending, ready, draining, shutdown").
type VMState int

const (
	VMPending VMState = iota
	VMReady
	VMDraining
	VMShutdown
)

func (s VMState) String() string {
	switch s {
	case VMPending:
		return "pending"
	case VMReady:
		return "ready"
	case VMDraining:
		return "draining"
	case VMShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Backend is the minimal VM lifecycle surface a cloud API exposes,
// implemented separately for EC2 and OpenStack-compatible clouds so
// the pool logic itself never depends on either SDK directly.
type Backend interface {
	// Launch starts one instance of the configured flavour/image and
	// returns a backend-assigned instance id.
	Launch(ctx context.Context) (instanceID string, err error)
	// PublicAddress returns the instance's reachable address, or ""
	// if not yet assigned (still pending).
	PublicAddress(ctx context.Context, instanceID string) (string, error)
	// Terminate destroys the instance permanently.
	Terminate(ctx context.Context, instanceID string) error
}

// Reconciler is implemented by backends that support spec.md §4.6's
// startup keypair/security-group reconciliation (currently EC2Backend;
// an OpenStack backend without it is simply skipped).
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Config configures one CloudPool.
type Config struct {
	Backend     Backend
	MaxPoolSize int
	// IdleTimeout is how long a VM may sit with zero jobs assigned
	// before the pool reaps it (spec.md §4.6 point 4).
	IdleTimeout time.Duration
	// SSHUser/Signer/HostKeyCB configure the transport used once a VM
	// becomes reachable.
	SSHUser   string
	Signer    ssh.Signer
	HostKeyCB ssh.HostKeyCallback

	ShellConfig shell.Config
}

type vm struct {
	instanceID string
	state      VMState
	adapter    *shell.Adapter
	transport  *transport.SSH
	jobCount   int
	idleSince  time.Time
	launchedAt time.Time
}

// Pool is the CloudPool of spec.md §4.6.
type Pool struct {
	cfg Config

	mu  sync.Mutex
	vms map[string]*vm // instanceID -> vm

	// jobVM tracks which instance a submitted job landed on, so Poll/
	// Cancel/FetchOutputs can be routed without the caller needing to
	// know about VMs at all.
	jobVM map[string]string // jobID -> instanceID
}

// New builds an empty CloudPool.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg, vms: map[string]*vm{}, jobVM: map[string]string{}}
}

// Reconcile runs the backend's startup keypair/security-group
// reconciliation (spec.md §4.6) if the configured Backend supports it.
// Callers invoke this once before adding the resulting Resource to an
// Engine; a returned error is fatal for the resource per §4.1.
func (p *Pool) Reconcile(ctx context.Context) error {
	r, ok := p.cfg.Backend.(Reconciler)
	if !ok {
		return nil
	}
	return r.Reconcile(ctx)
}

// Submit implements resource.Adapter: place t on an existing ready VM
// with spare capacity, else provision a new one up to MaxPoolSize
// (spec.md §4.6 point 2's placement policy), else refuse transiently so
// the Engine retries once the pool has room.
func (p *Pool) Submit(ctx context.Context, t *task.Task) (string, error) {
	p.mu.Lock()
	target := p.pickReadyVMLocked(t)
	if target == nil && len(p.vms) < p.cfg.MaxPoolSize {
		target = &vm{state: VMPending, launchedAt: time.Now()}
	}
	p.mu.Unlock()

	if target == nil {
		return "", gcerror.Newf(gcerror.KindTransient, "cloud: pool at capacity (%d VMs)", p.cfg.MaxPoolSize)
	}

	if target.instanceID == "" {
		if err := p.provision(ctx, target); err != nil {
			return "", err
		}
	}
	if target.state != VMReady {
		return "", gcerror.Newf(gcerror.KindTransient, "cloud: instance %s not yet ready (%s)", target.instanceID, target.state)
	}

	jobID, err := target.adapter.Submit(ctx, t)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	target.jobCount++
	target.idleSince = time.Time{}
	p.jobVM[jobID] = target.instanceID
	p.mu.Unlock()
	return jobID, nil
}

// pickReadyVMLocked returns a ready VM whose ShellAdapter still has
// spare capacity for t (spec.md §4.6 point 1: "whose ShellAdapter
// accepts the task (capacity check)"), preferring one already carrying
// jobs (bin-packing) over an idle one, or nil if none qualifies —
// including when every ready VM is full, in which case the caller
// falls through to provisioning a new one. Callers must hold p.mu.
func (p *Pool) pickReadyVMLocked(t *task.Task) *vm {
	cores := t.Spec.Requirements.Cores
	if cores <= 0 {
		cores = 1
	}
	var best *vm
	for _, v := range p.vms {
		if v.state != VMReady {
			continue
		}
		if v.adapter.AvailableCores() < cores {
			continue
		}
		if best == nil || v.jobCount > best.jobCount {
			best = v
		}
	}
	return best
}

// provision launches a new instance, registers it pending, and makes
// one attempt to reach it: if the backend already reports an address
// the SSH probe runs at once, otherwise it returns a transient error
// and the VM stays pending until a later ProbeReady reaches it
// (spec.md §4.6 point 3).
func (p *Pool) provision(ctx context.Context, v *vm) error {
	id, err := p.cfg.Backend.Launch(ctx)
	if err != nil {
		return gcerror.New(gcerror.KindTransient, err)
	}
	v.instanceID = id
	v.state = VMPending
	p.mu.Lock()
	p.vms[id] = v
	p.mu.Unlock()

	addr, err := p.cfg.Backend.PublicAddress(ctx, id)
	if err != nil || addr == "" {
		// Still pending; the Engine retries Submit on a later tick, and
		// ProbeReady (run from its observation pass) may have flipped
		// this VM to ready by then.
		return gcerror.Newf(gcerror.KindTransient, "cloud: instance %s has no address yet", id)
	}
	return p.probeReady(ctx, v, addr)
}

// ProbeReady attempts the SSH readiness check for every pending VM,
// called by the Engine's observation pass once per tick (spec.md §4.6
// point 3).
func (p *Pool) ProbeReady(ctx context.Context) {
	p.mu.Lock()
	pending := make([]*vm, 0)
	for _, v := range p.vms {
		if v.state == VMPending {
			pending = append(pending, v)
		}
	}
	p.mu.Unlock()

	for _, v := range pending {
		addr, err := p.cfg.Backend.PublicAddress(ctx, v.instanceID)
		if err != nil || addr == "" {
			continue
		}
		_ = p.probeReady(ctx, v, addr)
	}
}

func (p *Pool) probeReady(ctx context.Context, v *vm, addr string) error {
	tr := transport.NewSSH(transport.SSHConfig{
		Host:      addr,
		User:      p.cfg.SSHUser,
		Signer:    p.cfg.Signer,
		HostKeyCB: p.cfg.HostKeyCB,
	}, 4)
	if err := tr.Open(ctx); err != nil {
		return gcerror.New(gcerror.KindTransient, err)
	}

	p.mu.Lock()
	v.transport = tr
	v.adapter = shell.New(p.cfg.ShellConfig, tr)
	v.state = VMReady
	v.idleSince = time.Now()
	p.mu.Unlock()
	return nil
}

// Poll implements resource.Adapter, routing to the VM that owns the
// job.
func (p *Pool) Poll(ctx context.Context, t *task.Task) (resource.PollResult, error) {
	v, err := p.vmForJob(t.Run.JobID)
	if err != nil {
		return resource.PollResult{}, err
	}
	return v.adapter.Poll(ctx, t)
}

// Cancel implements resource.Adapter.
func (p *Pool) Cancel(ctx context.Context, t *task.Task) error {
	v, err := p.vmForJob(t.Run.JobID)
	if err != nil {
		return err
	}
	return v.adapter.Cancel(ctx, t)
}

// FetchOutputs implements resource.Adapter, decrementing the owning
// VM's job count so it becomes reap-eligible again once idle.
func (p *Pool) FetchOutputs(ctx context.Context, t *task.Task) (string, error) {
	v, err := p.vmForJob(t.Run.JobID)
	if err != nil {
		return "", err
	}
	dir, ferr := v.adapter.FetchOutputs(ctx, t)

	p.mu.Lock()
	v.jobCount--
	if v.jobCount <= 0 {
		v.jobCount = 0
		v.idleSince = time.Now()
	}
	delete(p.jobVM, t.Run.JobID)
	p.mu.Unlock()
	return dir, ferr
}

func (p *Pool) vmForJob(jobID string) (*vm, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.jobVM[jobID]
	if !ok {
		return nil, gcerror.Newf(gcerror.KindPersistence, "cloud: unknown job %s", jobID)
	}
	v, ok := p.vms[id]
	if !ok {
		return nil, gcerror.Newf(gcerror.KindPersistence, "cloud: unknown instance %s", id)
	}
	return v, nil
}

// ReapIdle terminates any ready VM that has carried zero jobs for
// longer than IdleTimeout (spec.md §4.6 point 4), called periodically
// by the Engine alongside ProbeReady.
func (p *Pool) ReapIdle(ctx context.Context) {
	p.mu.Lock()
	var stale []*vm
	for _, v := range p.vms {
		if v.state == VMReady && v.jobCount == 0 && !v.idleSince.IsZero() && time.Since(v.idleSince) > p.cfg.IdleTimeout {
			v.state = VMDraining
			stale = append(stale, v)
		}
	}
	p.mu.Unlock()

	for _, v := range stale {
		p.shutdown(ctx, v)
	}
}

func (p *Pool) shutdown(ctx context.Context, v *vm) {
	if v.transport != nil {
		_ = v.transport.Close()
	}
	_ = p.cfg.Backend.Terminate(ctx, v.instanceID)
	p.mu.Lock()
	v.state = VMShutdown
	delete(p.vms, v.instanceID)
	p.mu.Unlock()
}

// Forget removes instanceID from the pool's bookkeeping without
// terminating it, for an operator who wants to hand-manage a VM
// outside the pool (spec.md §4.6 point 5, distinguishing "forget" from
// "terminate").
func (p *Pool) Forget(instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.vms[instanceID]
	if !ok {
		return gcerror.Newf(gcerror.KindConfig, "cloud: unknown instance %s", instanceID)
	}
	if v.transport != nil {
		_ = v.transport.Close()
	}
	delete(p.vms, instanceID)
	for jobID, id := range p.jobVM {
		if id == instanceID {
			delete(p.jobVM, jobID)
		}
	}
	return nil
}

// Shutdown terminates every VM in the pool and empties its
// bookkeeping (spec.md §8 Scenario S4: "pool bookkeeping empties on
// shutdown").
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	all := make([]*vm, 0, len(p.vms))
	for _, v := range p.vms {
		all = append(all, v)
	}
	p.mu.Unlock()
	for _, v := range all {
		p.shutdown(ctx, v)
	}
}

// Size reports the current number of tracked VMs, for tests and
// status reporting.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vms)
}

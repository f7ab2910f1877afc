// Package resource defines the uniform surface the Engine sees over a
// back-end (spec.md §3, §4 intro), and the capability matching used by
// the scheduler's submission pass.
package resource

import (
	"context"

	"github.com/gc3pie/gc3core/internal/quantity"
	"github.com/gc3pie/gc3core/internal/task"
)

// PollResult is what Adapter.Poll reports for one job.
type PollResult struct {
	State      task.State
	ReturnCode task.ReturnCode
	Usage      task.Usage
	// HasReturnCode/HasUsage distinguish "not yet known" from a
	// genuine zero value.
	HasReturnCode bool
	HasUsage      bool
}

// Adapter is the capability set every back-end implementation
// provides: submit/poll/cancel/fetch (spec.md §4.2's "uniform surface
// exposed to the Engine", shared verbatim by ShellAdapter and
// CloudPool's wrapped VMs).
type Adapter interface {
	Submit(ctx context.Context, t *task.Task) (jobID string, err error)
	Poll(ctx context.Context, t *task.Task) (PollResult, error)
	Cancel(ctx context.Context, t *task.Task) error
	FetchOutputs(ctx context.Context, t *task.Task) (localDir string, err error)
}

// Caps are the declared capacity limits of a Resource (spec.md §3).
type Caps struct {
	MaxCoresTotal     int
	MaxCoresPerTask   int
	MaxMemoryPerCore  quantity.Quantity
	MaxWalltime       quantity.Quantity
	Architectures     map[string]bool
}

// Accommodates reports whether req fits within c. A zero-value field
// in req is treated as "unconstrained" for that dimension (matching
// how the Task builder omits fields the user never set).
func (c Caps) Accommodates(req task.Requirements) bool {
	if req.Cores > 0 {
		if c.MaxCoresPerTask > 0 && req.Cores > c.MaxCoresPerTask {
			return false
		}
		if c.MaxCoresTotal > 0 && req.Cores > c.MaxCoresTotal {
			return false
		}
	}
	if req.MemoryPerCore.Dimension() != 0 && c.MaxMemoryPerCore.Dimension() != 0 {
		if cmp, err := req.MemoryPerCore.Cmp(c.MaxMemoryPerCore); err == nil && cmp > 0 {
			return false
		}
	}
	if req.Walltime.Dimension() != 0 && c.MaxWalltime.Dimension() != 0 {
		if cmp, err := req.Walltime.Cmp(c.MaxWalltime); err == nil && cmp > 0 {
			return false
		}
	}
	if len(c.Architectures) > 0 && len(req.Architectures) > 0 {
		matched := false
		for _, a := range req.Architectures {
			if c.Architectures[a] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Load is the observed queue depth the scheduler uses to break ties
// among otherwise-eligible resources (spec.md §4.4 step 3b: "least
// currently-queued-own-jobs then round-robin").
type Load struct {
	Running int
	Queued  int
}

// Resource is one configured back-end (spec.md §3): a name, type tag,
// declared caps, and the Adapter that actually talks to it.
type Resource struct {
	Name    string
	Type    string // "shellcmd", "sge", "pbs", "lsf", "slurm", "ec2+shellcmd", ...
	Caps    Caps
	Tags    []string
	Enabled bool

	Adapter Adapter

	// liveness, set false once a permanent error (auth failure, bad
	// host key) has been observed; the resource is then skipped by
	// every future submission pass for the rest of the engine run
	// (spec.md §4.1).
	live bool
	load Load
}

// NewResource wires a configured Resource around its Adapter,
// starting Enabled and live.
func NewResource(name, typ string, caps Caps, tags []string, adapter Adapter) *Resource {
	return &Resource{Name: name, Type: typ, Caps: caps, Tags: tags, Enabled: true, Adapter: adapter, live: true}
}

// Live reports whether the resource is still usable this run.
func (r *Resource) Live() bool { return r.live }

// MarkDead permanently disables the resource for the rest of the
// engine run (spec.md §4.1: a permanent transport error "marks that
// resource unavailable").
func (r *Resource) MarkDead() { r.live = false }

// Load reports the resource's currently observed queue depth.
func (r *Resource) Load() Load { return r.load }

// SetLoad updates the observed queue depth, called by the Engine at the
// end of each observation pass.
func (r *Resource) SetLoad(l Load) { r.load = l }

// HasTag reports whether the resource carries tag.
func (r *Resource) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Eligible reports whether this resource is a legal placement target
// for t's requirements right now: enabled, live, and within caps.
func (r *Resource) Eligible(t *task.Task) bool {
	return r.Enabled && r.live && r.Caps.Accommodates(t.Spec.Requirements)
}

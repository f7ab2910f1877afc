package cloud

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gc3pie/gc3core/internal/adapter/shell"
	"github.com/gc3pie/gc3core/internal/task"
	"github.com/gc3pie/gc3core/internal/transport"
)

// fakeBackend simulates a cloud API: instances become reachable
// immediately at a fixed loopback-style address (the test never
// actually opens a socket to it; Submit itself only needs a ready VM,
// which this test builds by hand rather than through the real SSH
// probe path).
type fakeBackend struct {
	mu        sync.Mutex
	nextID    int
	launched  []string
	terminated []string
}

func (b *fakeBackend) Launch(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := fmt.Sprintf("i-%d", b.nextID)
	b.launched = append(b.launched, id)
	return id, nil
}

func (b *fakeBackend) PublicAddress(ctx context.Context, instanceID string) (string, error) {
	return "", nil // never reachable in this test; pool-size accounting is what's under test
}

func (b *fakeBackend) Terminate(ctx context.Context, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated = append(b.terminated, instanceID)
	return nil
}

// TestPoolCapsAtMaxSize exercises spec.md §8 Scenario S4: with
// pool_max_size=2, a third task's Submit must be refused transiently
// rather than provisioning a third VM, and Shutdown must empty the
// pool's bookkeeping.
func TestPoolCapsAtMaxSize(t *testing.T) {
	backend := &fakeBackend{}
	p := New(Config{Backend: backend, MaxPoolSize: 2, IdleTimeout: time.Minute})

	ctx := context.Background()
	mkTask := func(name string) *task.Task {
		return task.New(name, task.Spec{Command: "/bin/true"})
	}

	_, err1 := p.Submit(ctx, mkTask("t1"))
	_, err2 := p.Submit(ctx, mkTask("t2"))
	_, err3 := p.Submit(ctx, mkTask("t3"))

	// The first two Submits each provision a not-yet-ready VM (the fake
	// backend never reports an address) and the third is refused because
	// the pool is full, so all three come back transient; what's under
	// test is that only two VMs were ever launched.
	require.Error(t, err1)
	require.Error(t, err2)
	require.Error(t, err3)
	require.Equal(t, 2, p.Size())
	require.Len(t, backend.launched, 2)

	p.Shutdown(ctx)
	require.Equal(t, 0, p.Size())
	require.ElementsMatch(t, backend.launched, backend.terminated)
}

// TestPoolSkipsFullVMForPlacement exercises spec.md §4.6 point 1/2: a
// ready VM whose ShellAdapter has no spare capacity must not be picked
// for placement, so a task arriving once the only ready VM is full
// provisions a second VM instead of wedging behind a transient error.
func TestPoolSkipsFullVMForPlacement(t *testing.T) {
	backend := &fakeBackend{}
	p := New(Config{Backend: backend, MaxPoolSize: 2, IdleTimeout: time.Minute, ShellConfig: shell.Config{TotalCores: 1}})

	full := &vm{instanceID: "i-full", state: VMReady, adapter: shell.New(shell.Config{TotalCores: 1}, transport.NewLocal())}
	p.mu.Lock()
	p.vms[full.instanceID] = full
	p.mu.Unlock()

	ctx := context.Background()
	_, err := full.adapter.Submit(ctx, task.New("occupant", task.Spec{Command: "/bin/true"}))
	require.NoError(t, err)
	require.Equal(t, 0, full.adapter.AvailableCores())

	p.mu.Lock()
	picked := p.pickReadyVMLocked(task.New("t2", task.Spec{Command: "/bin/true"}))
	p.mu.Unlock()
	require.Nil(t, picked, "the full VM must not be picked")

	// Submit falls through to provisioning a second VM rather than
	// reusing the full one and failing transiently.
	_, err = p.Submit(ctx, task.New("t2", task.Spec{Command: "/bin/true"}))
	require.Error(t, err) // the fake backend never reports an address, so provisioning stays pending
	require.Equal(t, 2, p.Size())
	require.Len(t, backend.launched, 1)
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// fakeManager records concurrent use and fails storage on demand. Methods it
// doesn't override panic through the nil embedded interface.
type fakeManager struct {
	ContractManager

	active     atomic.Int32
	overlapped atomic.Bool
	calls      atomic.Int32

	storageFailures atomic.Int32
}

func (f *fakeManager) enter() func() {
	if f.active.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	f.calls.Add(1)

	return func() {
		f.active.Add(-1)
	}
}

func (f *fakeManager) OnMessage(_ context.Context, msg dlcwire.Message,
	_ [32]byte) (fn.Option[dlcwire.Message], error) {

	defer f.enter()()
	time.Sleep(time.Millisecond)

	if f.storageFailures.Load() > 0 {
		f.storageFailures.Add(-1)
		return fn.None[dlcwire.Message](),
			fmt.Errorf("%w: disk on fire", ErrStorageFailure)
	}

	switch m := msg.(type) {
	case *dlcwire.AcceptDlc:
		return fn.Some[dlcwire.Message](&dlcwire.SignDlc{
			ContractID: m.TemporaryContractID,
		}), nil

	case *dlcwire.SignDlc:
		return fn.None[dlcwire.Message](), &StateTransitionError{
			From: contract.StateOfferReceived, Kind: dlcwire.MsgSign,
		}
	}

	return fn.None[dlcwire.Message](), nil
}

func (f *fakeManager) ListOffers(context.Context) ([]*contract.Contract,
	error) {

	defer f.enter()()

	return []*contract.Contract{{State: contract.StateOfferReceived}}, nil
}

func (f *fakeManager) Contract(_ context.Context,
	id dlcwire.ContractID) (*contract.Contract, error) {

	defer f.enter()()

	return nil, fmt.Errorf("%w: %v", ErrUnknownContract, id)
}

func newTestGateway(t *testing.T, mgr ContractManager) *Gateway {
	t.Helper()

	cfg := DefaultConfig(mgr)
	cfg.RetryBase = time.Millisecond

	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(g.Stop)

	return g
}

// TestGatewaySerializes asserts concurrent callers never reach the manager
// at the same time.
func TestGatewaySerializes(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	g := newTestGateway(t, mgr)
	ctx := context.Background()

	const callers = 16

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			if i%2 == 0 {
				_, err := g.ListOffers(ctx)
				require.NoError(t, err)
				return
			}

			reply, err := g.OnMessage(ctx, &dlcwire.AcceptDlc{
				TemporaryContractID: dlcwire.ContractID{byte(i)},
			}, [32]byte{})
			require.NoError(t, err)
			require.True(t, reply.IsSome())
		}(i)
	}
	wg.Wait()

	require.False(t, mgr.overlapped.Load())
	require.EqualValues(t, callers, mgr.calls.Load())
	require.False(t, g.InFlight())
}

// TestGatewayErrors asserts manager errors reach the caller unchanged.
func TestGatewayErrors(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, &fakeManager{})
	ctx := context.Background()

	_, err := g.Contract(ctx, dlcwire.ContractID{7})
	require.ErrorIs(t, err, ErrUnknownContract)

	_, err = g.OnMessage(ctx, &dlcwire.SignDlc{}, [32]byte{})
	var transErr *StateTransitionError
	require.ErrorAs(t, err, &transErr)
	require.Equal(t, dlcwire.MsgSign, transErr.Kind)
}

// TestGatewayStorageRetry asserts storage failures are retried up to the
// attempt budget.
func TestGatewayStorageRetry(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	g := newTestGateway(t, mgr)
	ctx := context.Background()
	accept := &dlcwire.AcceptDlc{}

	mgr.storageFailures.Store(DefaultStorageAttempts - 1)
	reply, err := g.OnMessage(ctx, accept, [32]byte{})
	require.NoError(t, err)
	require.True(t, reply.IsSome())
	require.EqualValues(t, DefaultStorageAttempts, mgr.calls.Load())

	mgr.calls.Store(0)
	mgr.storageFailures.Store(DefaultStorageAttempts)
	_, err = g.OnMessage(ctx, accept, [32]byte{})
	require.ErrorIs(t, err, ErrStorageFailure)
	require.EqualValues(t, DefaultStorageAttempts, mgr.calls.Load())
}

// TestGatewayStop asserts requests fail once the gateway is stopped.
func TestGatewayStop(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, &fakeManager{})
	g.Stop()
	g.Stop()

	_, err := g.ListOffers(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

// TestConfigValidate asserts unusable configs are refused.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)

	cfg := DefaultConfig(&fakeManager{})
	cfg.StorageAttempts = 0
	_, err = New(cfg)
	require.Error(t, err)

	require.True(t, errors.Is(ErrStorageFailure, contract.ErrStorageFailure))
}

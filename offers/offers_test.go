package offers

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Unix(1_800_000_000, 0)

// TestRegistry asserts put, list and take keep one record per id in receive
// order.
func TestRegistry(t *testing.T) {
	t.Parallel()

	clk := clock.NewTestClock(testTime)
	r := NewRegistry(clk)

	r.Put(&OfferedContract{ContractID: dlcwire.ContractID{2}})
	clk.SetTime(testTime.Add(time.Second))
	r.Put(&OfferedContract{ContractID: dlcwire.ContractID{3}})
	r.Put(&OfferedContract{
		ContractID: dlcwire.ContractID{1},
		ReceivedAt: testTime.Add(-time.Minute),
	})

	// Re-delivery replaces the record.
	r.Put(&OfferedContract{
		ContractID:   dlcwire.ContractID{3},
		Counterparty: [32]byte{9},
		ReceivedAt:   testTime.Add(time.Second),
	})
	require.Equal(t, 3, r.Len())

	list := r.List()
	require.Len(t, list, 3)
	require.Equal(t, dlcwire.ContractID{1}, list[0].ContractID)
	require.Equal(t, dlcwire.ContractID{2}, list[1].ContractID)
	require.Equal(t, dlcwire.ContractID{3}, list[2].ContractID)
	require.Equal(t, [32]byte{9}, list[2].Counterparty)
	require.Equal(t, testTime, list[1].ReceivedAt)

	o, err := r.Take(dlcwire.ContractID{2})
	require.NoError(t, err)
	require.Equal(t, dlcwire.ContractID{2}, o.ContractID)

	_, err = r.Take(dlcwire.ContractID{2})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, r.Len())
}

// TestRegistryTakeOnce asserts concurrent takes of one offer succeed once.
func TestRegistryTakeOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	id := dlcwire.ContractID{5}
	r.Put(&OfferedContract{ContractID: id})

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if _, err := r.Take(id); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, won)
}

// TestRegistrySync asserts the registry mirrors the manager's pending
// offers.
func TestRegistrySync(t *testing.T) {
	t.Parallel()

	r := NewRegistry(clock.NewTestClock(testTime))
	r.Put(&OfferedContract{ContractID: dlcwire.ContractID{1}})

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	pending := &contract.Contract{
		TempID:       dlcwire.ContractID{2},
		Counterparty: [32]byte{7},
		State:        contract.StateOfferReceived,
		Offer: &dlcwire.OfferDlc{
			TemporaryContractID: dlcwire.ContractID{2},
			FundingPubKey:       priv.PubKey(),
		},
		ReceivedAt: testTime,
	}
	require.NoError(t, r.Sync([]*contract.Contract{pending}))

	list := r.List()
	require.Len(t, list, 1)
	require.Equal(t, pending.TempID, list[0].ContractID)
	require.NotEmpty(t, list[0].RawOffer)

	pending.State = contract.StateAcceptSent
	_, err = FromContract(pending)
	require.Error(t, err)
}

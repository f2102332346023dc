package offers

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnutils"
)

// ErrNotFound is returned by Take for an id the registry doesn't hold.
var ErrNotFound = errors.New("offer not found")

// OfferedContract is an inbound offer awaiting the user's decision.
type OfferedContract struct {
	// ContractID is the temporary contract id chosen by the offerer.
	ContractID dlcwire.ContractID

	// Counterparty is the offerer's x-only identity key.
	Counterparty [32]byte

	// Offer is the decoded offer and RawOffer its wire encoding.
	Offer    *dlcwire.OfferDlc
	RawOffer []byte

	ReceivedAt time.Time
}

// FromContract builds the registry record of a contract in OfferReceived.
func FromContract(c *contract.Contract) (*OfferedContract, error) {
	if c.State != contract.StateOfferReceived || c.Offer == nil {
		return nil, fmt.Errorf("contract %v is not a pending offer "+
			"(%v)", c.TempID, c.State)
	}

	raw, err := dlcwire.EncodeMessage(c.Offer)
	if err != nil {
		return nil, err
	}

	return &OfferedContract{
		ContractID:   c.TempID,
		Counterparty: c.Counterparty,
		Offer:        c.Offer,
		RawOffer:     raw,
		ReceivedAt:   c.ReceivedAt,
	}, nil
}

// Registry indexes pending offers by contract id. It is safe for concurrent
// use.
type Registry struct {
	clock  clock.Clock
	offers lnutils.SyncMap[dlcwire.ContractID, *OfferedContract]
}

// NewRegistry creates an empty registry. Records put without a receive time
// are stamped with clk.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Registry{clock: clk}
}

// Put inserts an offer, replacing any record with the same id.
func (r *Registry) Put(o *OfferedContract) {
	if o.ReceivedAt.IsZero() {
		o.ReceivedAt = r.clock.Now()
	}

	r.offers.Store(o.ContractID, o)
	log.Debugf("Offer %v from %x pending", o.ContractID, o.Counterparty)
}

// List returns a snapshot of the pending offers, oldest first.
func (r *Registry) List() []*OfferedContract {
	var list []*OfferedContract
	r.offers.Range(func(_ dlcwire.ContractID, o *OfferedContract) bool {
		list = append(list, o)
		return true
	})

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ReceivedAt.Equal(list[j].ReceivedAt) {
			a, b := list[i].ContractID, list[j].ContractID
			return bytes.Compare(a[:], b[:]) < 0
		}

		return list[i].ReceivedAt.Before(list[j].ReceivedAt)
	})

	return list
}

// Get returns the offer with the given id.
func (r *Registry) Get(id dlcwire.ContractID) (*OfferedContract, bool) {
	return r.offers.Load(id)
}

// Take removes and returns the offer with the given id.
func (r *Registry) Take(id dlcwire.ContractID) (*OfferedContract, error) {
	o, ok := r.offers.LoadAndDelete(id)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}

	return o, nil
}

// Len returns the number of pending offers.
func (r *Registry) Len() int {
	return r.offers.Len()
}

// Sync makes the registry mirror the pending offers of the contract
// manager: missing ones are added and ones no longer pending are dropped.
func (r *Registry) Sync(pending []*contract.Contract) error {
	keep := make(map[dlcwire.ContractID]struct{}, len(pending))
	for _, c := range pending {
		keep[c.TempID] = struct{}{}
		if _, ok := r.offers.Load(c.TempID); ok {
			continue
		}

		o, err := FromContract(c)
		if err != nil {
			return err
		}
		r.Put(o)
	}

	var stale []dlcwire.ContractID
	r.offers.Range(func(id dlcwire.ContractID, _ *OfferedContract) bool {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		r.offers.Delete(id)
		log.Debugf("Offer %v no longer pending", id)
	}

	return nil
}

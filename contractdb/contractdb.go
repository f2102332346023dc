package contractdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/dlcdevkit/ddk/contract"
	"github.com/dlcdevkit/ddk/dlcwire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// DBFilename is the file name of the contract database inside the
	// wallet directory.
	DBFilename = "contracts.db"
)

var (
	// contractBucket maps a temporary contract id to its record.
	contractBucket = []byte("contracts")

	// contractIDBucket maps a final contract id to the temporary id the
	// record is stored under.
	contractIDBucket = []byte("contract-ids")

	// ErrCorruptRecord is returned when a stored record can't be decoded.
	ErrCorruptRecord = errors.New("corrupt contract record")
)

const (
	typeState        tlv.Type = 0
	typeIsOfferer    tlv.Type = 1
	typeTempID       tlv.Type = 2
	typeID           tlv.Type = 3
	typeCounterparty tlv.Type = 4
	typeReceivedAt   tlv.Type = 5
	typeUpdatedAt    tlv.Type = 6
	typeOffer        tlv.Type = 7
	typeAccept       tlv.Type = 8
	typeSign         tlv.Type = 9
	typeFundingTx    tlv.Type = 10
	typeFundIndex    tlv.Type = 11
	typeRejectReason tlv.Type = 12
)

// DB is a contract.Storage on a kvdb backend.
type DB struct {
	backend kvdb.Backend
}

// A compile time check to ensure DB implements the contract.Storage
// interface.
var _ contract.Storage = (*DB)(nil)

// Open opens or creates the bolt database in dir.
func Open(dir string) (*DB, error) {
	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:         dir,
		DBFileName:     DBFilename,
		NoFreelistSync: true,
		DBTimeout:      kvdb.DefaultDBTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open contract db: %w", err)
	}

	db, err := New(backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	log.Infof("Opened contract database in %s", dir)

	return db, nil
}

// New wraps backend, creating the contract buckets if needed.
func New(backend kvdb.Backend) (*DB, error) {
	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		for _, name := range [][]byte{contractBucket, contractIDBucket} {
			if _, err := tx.CreateTopLevelBucket(name); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, err
	}

	return &DB{backend: backend}, nil
}

// Close closes the backend.
func (d *DB) Close() error {
	return d.backend.Close()
}

// PutContract writes the record and indexes its final id.
//
// This is part of the contract.Storage interface.
func (d *DB) PutContract(_ context.Context, c *contract.Contract) error {
	var b bytes.Buffer
	if err := serializeContract(&b, c); err != nil {
		return err
	}

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		contracts := tx.ReadWriteBucket(contractBucket)
		if contracts == nil {
			return kvdb.ErrBucketNotFound
		}
		err := contracts.Put(c.TempID[:], b.Bytes())
		if err != nil {
			return err
		}

		if c.ID.IsZero() {
			return nil
		}
		ids := tx.ReadWriteBucket(contractIDBucket)
		if ids == nil {
			return kvdb.ErrBucketNotFound
		}

		return ids.Put(c.ID[:], c.TempID[:])
	}, func() {})
}

// FetchContract returns the record stored under tempID.
//
// This is part of the contract.Storage interface.
func (d *DB) FetchContract(_ context.Context,
	tempID dlcwire.ContractID) (*contract.Contract, error) {

	var c *contract.Contract
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		var err error
		c, err = fetchContract(tx, tempID[:])

		return err
	}, func() {
		c = nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// FetchContractByID returns the record with final id.
//
// This is part of the contract.Storage interface.
func (d *DB) FetchContractByID(_ context.Context,
	id dlcwire.ContractID) (*contract.Contract, error) {

	var c *contract.Contract
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		ids := tx.ReadBucket(contractIDBucket)
		if ids == nil {
			return kvdb.ErrBucketNotFound
		}
		tempID := ids.Get(id[:])
		if tempID == nil {
			return contract.ErrContractNotFound
		}

		var err error
		c, err = fetchContract(tx, tempID)

		return err
	}, func() {
		c = nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ListContracts returns every record in temporary id order.
//
// This is part of the contract.Storage interface.
func (d *DB) ListContracts(_ context.Context) ([]*contract.Contract,
	error) {

	var contracts []*contract.Contract
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(contractBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.ForEach(func(k, v []byte) error {
			c, err := deserializeContract(bytes.NewReader(v))
			if err != nil {
				return fmt.Errorf("contract %x: %w", k, err)
			}
			contracts = append(contracts, c)

			return nil
		})
	}, func() {
		contracts = nil
	})
	if err != nil {
		return nil, err
	}

	return contracts, nil
}

func fetchContract(tx kvdb.RTx, tempID []byte) (*contract.Contract, error) {
	bucket := tx.ReadBucket(contractBucket)
	if bucket == nil {
		return nil, kvdb.ErrBucketNotFound
	}

	v := bucket.Get(tempID)
	if v == nil {
		return nil, contract.ErrContractNotFound
	}

	return deserializeContract(bytes.NewReader(v))
}

func serializeContract(w io.Writer, c *contract.Contract) error {
	var (
		state        = uint8(c.State)
		isOfferer    uint8
		tempID       = [32]byte(c.TempID)
		id           = [32]byte(c.ID)
		counterparty = c.Counterparty
		receivedAt   = uint64(c.ReceivedAt.UnixNano())
		updatedAt    = uint64(c.UpdatedAt.UnixNano())
		fundIndex    = c.FundOutputIndex
		reason       = []byte(c.RejectReason)
	)
	if c.IsOfferer {
		isOfferer = 1
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeState, &state),
		tlv.MakePrimitiveRecord(typeIsOfferer, &isOfferer),
		tlv.MakePrimitiveRecord(typeTempID, &tempID),
		tlv.MakePrimitiveRecord(typeID, &id),
		tlv.MakePrimitiveRecord(typeCounterparty, &counterparty),
		tlv.MakePrimitiveRecord(typeReceivedAt, &receivedAt),
		tlv.MakePrimitiveRecord(typeUpdatedAt, &updatedAt),
	}

	// Optional records only go in when set, keeping types ascending.
	var offer, accept, sign, fundingTx []byte
	if c.Offer != nil {
		b, err := dlcwire.EncodeMessage(c.Offer)
		if err != nil {
			return err
		}
		offer = b
		records = append(records,
			tlv.MakePrimitiveRecord(typeOffer, &offer))
	}
	if c.Accept != nil {
		b, err := dlcwire.EncodeMessage(c.Accept)
		if err != nil {
			return err
		}
		accept = b
		records = append(records,
			tlv.MakePrimitiveRecord(typeAccept, &accept))
	}
	if c.Sign != nil {
		b, err := dlcwire.EncodeMessage(c.Sign)
		if err != nil {
			return err
		}
		sign = b
		records = append(records,
			tlv.MakePrimitiveRecord(typeSign, &sign))
	}
	if c.FundingTx != nil {
		var b bytes.Buffer
		if err := c.FundingTx.Serialize(&b); err != nil {
			return err
		}
		fundingTx = b.Bytes()
		records = append(records,
			tlv.MakePrimitiveRecord(typeFundingTx, &fundingTx),
			tlv.MakePrimitiveRecord(typeFundIndex, &fundIndex),
		)
	}
	if len(reason) > 0 {
		records = append(records,
			tlv.MakePrimitiveRecord(typeRejectReason, &reason))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func deserializeContract(r io.Reader) (*contract.Contract, error) {
	var (
		state, isOfferer            uint8
		tempID, id, counterparty    [32]byte
		receivedAt, updatedAt       uint64
		offer, accept, sign, fundTx []byte
		fundIndex                   uint32
		reason                      []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeState, &state),
		tlv.MakePrimitiveRecord(typeIsOfferer, &isOfferer),
		tlv.MakePrimitiveRecord(typeTempID, &tempID),
		tlv.MakePrimitiveRecord(typeID, &id),
		tlv.MakePrimitiveRecord(typeCounterparty, &counterparty),
		tlv.MakePrimitiveRecord(typeReceivedAt, &receivedAt),
		tlv.MakePrimitiveRecord(typeUpdatedAt, &updatedAt),
		tlv.MakePrimitiveRecord(typeOffer, &offer),
		tlv.MakePrimitiveRecord(typeAccept, &accept),
		tlv.MakePrimitiveRecord(typeSign, &sign),
		tlv.MakePrimitiveRecord(typeFundingTx, &fundTx),
		tlv.MakePrimitiveRecord(typeFundIndex, &fundIndex),
		tlv.MakePrimitiveRecord(typeRejectReason, &reason),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	for _, t := range []tlv.Type{typeState, typeTempID, typeCounterparty} {
		if _, ok := parsed[t]; !ok {
			return nil, fmt.Errorf("%w: missing type %d",
				ErrCorruptRecord, t)
		}
	}

	c := &contract.Contract{
		TempID:          dlcwire.ContractID(tempID),
		ID:              dlcwire.ContractID(id),
		Counterparty:    counterparty,
		State:           contract.State(state),
		IsOfferer:       isOfferer == 1,
		FundOutputIndex: fundIndex,
		ReceivedAt:      time.Unix(0, int64(receivedAt)),
		UpdatedAt:       time.Unix(0, int64(updatedAt)),
		RejectReason:    string(reason),
	}

	if _, ok := parsed[typeOffer]; ok {
		c.Offer, err = decodeAs[*dlcwire.OfferDlc](offer)
		if err != nil {
			return nil, err
		}
	}
	if _, ok := parsed[typeAccept]; ok {
		c.Accept, err = decodeAs[*dlcwire.AcceptDlc](accept)
		if err != nil {
			return nil, err
		}
	}
	if _, ok := parsed[typeSign]; ok {
		if c.Sign, err = decodeAs[*dlcwire.SignDlc](sign); err != nil {
			return nil, err
		}
	}
	if _, ok := parsed[typeFundingTx]; ok {
		c.FundingTx = &wire.MsgTx{}
		err := c.FundingTx.Deserialize(bytes.NewReader(fundTx))
		if err != nil {
			return nil, fmt.Errorf("%w: funding tx: %w",
				ErrCorruptRecord, err)
		}
	}

	return c, nil
}

// decodeAs decodes a stored message and checks it has the expected type.
func decodeAs[T dlcwire.Message](b []byte) (T, error) {
	var zero T

	msg, err := dlcwire.DecodeMessage(b)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	m, ok := msg.(T)
	if !ok {
		return zero, fmt.Errorf("%w: unexpected stored %v",
			ErrCorruptRecord, msg.MsgType())
	}

	return m, nil
}

package payment

import (
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/keys"
)

const (
	typeReqVersion        tlv.Type = 1
	typeReqPayerAlgorithm tlv.Type = 2
	typeReqPayerKeyNumber tlv.Type = 3
	typeReqPayeeAlgorithm tlv.Type = 4
	typeReqPayeeKeyNumber tlv.Type = 5
	typeReqPayer          tlv.Type = 6
	typeReqPayee          tlv.Type = 7
	typeReqCurrency       tlv.Type = 8
	typeReqAmount         tlv.Type = 9
	typeReqTimestamp      tlv.Type = 10
	typeReqInputCurrency  tlv.Type = 11
	typeReqInputAmount    tlv.Type = 12
	typeReqSignature      tlv.Type = 13
)

var requiredRequestTypes = []tlv.Type{
	typeReqVersion, typeReqPayerAlgorithm, typeReqPayerKeyNumber,
	typeReqPayeeAlgorithm, typeReqPayeeKeyNumber, typeReqPayer, typeReqPayee,
	typeReqCurrency, typeReqAmount, typeReqTimestamp, typeReqInputCurrency,
	typeReqInputAmount,
}

// Party names the side of a payment a signature belongs to.
type Party uint8

const (
	PartyPayer Party = iota + 1
	PartyPayee
)

func (p Party) String() string {
	switch p {
	case PartyPayer:
		return "payer"
	case PartyPayee:
		return "payee"
	default:
		return fmt.Sprintf("Party(%d)", uint8(p))
	}
}

// Request is one party's signed statement of a payment. It names the key
// each party signs with, and the signature covers every other field, so a
// Request is treated as immutable once signed.
type Request struct {
	Version        uint8
	PayerAlgorithm keys.Algorithm
	PayerKeyNumber uint32
	PayeeAlgorithm keys.Algorithm // zero unless the payee countersigns
	PayeeKeyNumber uint32
	PayerUsername  string
	PayeeUsername  string
	Currency       string
	Amount         int64
	InputCurrency  string
	InputAmount    int64
	Timestamp      int64 // payer-assigned, milliseconds since epoch
	Signature      []byte
}

type requestWire struct {
	version        uint8
	payerAlgorithm uint8
	payerKeyNumber uint32
	payeeAlgorithm uint8
	payeeKeyNumber uint32
	payer          []byte
	payee          []byte
	currency       []byte
	amount         uint64
	timestamp      uint64
	inputCurrency  []byte
	inputAmount    uint64
	signature      []byte
}

func (w *requestWire) records(withSignature bool) []tlv.Record {
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeReqVersion, &w.version),
		tlv.MakePrimitiveRecord(typeReqPayerAlgorithm, &w.payerAlgorithm),
		tlv.MakePrimitiveRecord(typeReqPayerKeyNumber, &w.payerKeyNumber),
		tlv.MakePrimitiveRecord(typeReqPayeeAlgorithm, &w.payeeAlgorithm),
		tlv.MakePrimitiveRecord(typeReqPayeeKeyNumber, &w.payeeKeyNumber),
		tlv.MakePrimitiveRecord(typeReqPayer, &w.payer),
		tlv.MakePrimitiveRecord(typeReqPayee, &w.payee),
		tlv.MakePrimitiveRecord(typeReqCurrency, &w.currency),
		tlv.MakePrimitiveRecord(typeReqAmount, &w.amount),
		tlv.MakePrimitiveRecord(typeReqTimestamp, &w.timestamp),
		tlv.MakePrimitiveRecord(typeReqInputCurrency, &w.inputCurrency),
		tlv.MakePrimitiveRecord(typeReqInputAmount, &w.inputAmount),
	}
	if withSignature {
		records = append(records, tlv.MakePrimitiveRecord(typeReqSignature, &w.signature))
	}
	return records
}

func (r *Request) wire() *requestWire {
	return &requestWire{
		version:        r.Version,
		payerAlgorithm: uint8(r.PayerAlgorithm),
		payerKeyNumber: r.PayerKeyNumber,
		payeeAlgorithm: uint8(r.PayeeAlgorithm),
		payeeKeyNumber: r.PayeeKeyNumber,
		payer:          []byte(r.PayerUsername),
		payee:          []byte(r.PayeeUsername),
		currency:       []byte(r.Currency),
		amount:         uint64(r.Amount),
		timestamp:      uint64(r.Timestamp),
		inputCurrency:  []byte(r.InputCurrency),
		inputAmount:    uint64(r.InputAmount),
		signature:      r.Signature,
	}
}

// SignedPayload returns the exact bytes covered by the signature. Every
// record is written, including empty input-currency fields.
func (r *Request) SignedPayload() ([]byte, error) {
	return encodeRecords(r.wire().records(false)...)
}

// Key returns the algorithm and key number party signs with.
func (r *Request) Key(party Party) (keys.Algorithm, uint32) {
	if party == PartyPayee {
		return r.PayeeAlgorithm, r.PayeeKeyNumber
	}
	return r.PayerAlgorithm, r.PayerKeyNumber
}

// Sign stamps the signer's algorithm and key number into party's slot and
// signs r. The other party's slot is left as set by the caller, so both
// copies of a countersigned payment must agree on it before either signs.
func (r *Request) Sign(party Party, signer keys.Signer) error {
	if r.Version == 0 {
		r.Version = Version
	}
	switch party {
	case PartyPayer:
		r.PayerAlgorithm, r.PayerKeyNumber = signer.Algorithm(), signer.KeyNumber()
	case PartyPayee:
		r.PayeeAlgorithm, r.PayeeKeyNumber = signer.Algorithm(), signer.KeyNumber()
	default:
		return fmt.Errorf("sign: unknown %s", party)
	}

	payload, err := r.SignedPayload()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Verify checks the signature as made by party against a compressed public key.
func (r *Request) Verify(party Party, publicKey []byte) (bool, error) {
	payload, err := r.SignedPayload()
	if err != nil {
		return false, err
	}
	alg, _ := r.Key(party)
	return keys.Verify(alg, publicKey, payload, r.Signature)
}

// Identical reports whether other describes the same payment signed with the
// same keys. Input-currency fields are display context supplied by either
// side and are not compared.
func (r *Request) Identical(other *Request) bool {
	if other == nil {
		return false
	}
	return r.Version == other.Version &&
		r.PayerAlgorithm == other.PayerAlgorithm &&
		r.PayerKeyNumber == other.PayerKeyNumber &&
		r.PayeeAlgorithm == other.PayeeAlgorithm &&
		r.PayeeKeyNumber == other.PayeeKeyNumber &&
		r.PayerUsername == other.PayerUsername &&
		r.PayeeUsername == other.PayeeUsername &&
		r.Currency == other.Currency &&
		r.Amount == other.Amount &&
		r.Timestamp == other.Timestamp
}

// Identity is the ledger de-duplication key for the payment.
func (r *Request) Identity() domain.Identity {
	return domain.Identity{
		PayerUsername:  r.PayerUsername,
		PayeeUsername:  r.PayeeUsername,
		Currency:       r.Currency,
		Amount:         r.Amount,
		PayerTimestamp: r.Timestamp,
	}
}

// Encode serializes the request including its signature.
func (r *Request) Encode() ([]byte, error) {
	return encodeRecords(r.wire().records(true)...)
}

// DecodeRequest parses the output of Encode.
func DecodeRequest(data []byte) (*Request, error) {
	var w requestWire
	if _, err := decodeRecords(data, requiredRequestTypes, w.records(true)...); err != nil {
		return nil, err
	}
	if err := checkVersion(w.version); err != nil {
		return nil, err
	}
	if len(w.inputCurrency) == 0 && w.inputAmount != 0 {
		return nil, ErrDanglingInputAmount
	}
	return &Request{
		Version:        w.version,
		PayerAlgorithm: keys.Algorithm(w.payerAlgorithm),
		PayerKeyNumber: w.payerKeyNumber,
		PayeeAlgorithm: keys.Algorithm(w.payeeAlgorithm),
		PayeeKeyNumber: w.payeeKeyNumber,
		PayerUsername:  string(w.payer),
		PayeeUsername:  string(w.payee),
		Currency:       string(w.currency),
		Amount:         int64(w.amount),
		InputCurrency:  string(w.inputCurrency),
		InputAmount:    int64(w.inputAmount),
		Timestamp:      int64(w.timestamp),
		Signature:      w.signature,
	}, nil
}

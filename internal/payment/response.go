package payment

import (
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"

	"github.com/punchamoorthee/paysettle/internal/domain"
	"github.com/punchamoorthee/paysettle/internal/keys"
)

// Status is the outcome carried by a signed Response.
type Status uint8

const (
	StatusSuccess          Status = 1
	StatusDuplicateRequest Status = 2
	StatusFailure          Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusDuplicateRequest:
		return "DUPLICATE_REQUEST"
	case StatusFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

const (
	typeRespVersion   tlv.Type = 1
	typeRespAlgorithm tlv.Type = 2
	typeRespKeyNumber tlv.Type = 3
	typeRespStatus    tlv.Type = 4
	typeRespReason    tlv.Type = 5
	typeRespPayer     tlv.Type = 6
	typeRespPayee     tlv.Type = 7
	typeRespCurrency  tlv.Type = 8
	typeRespAmount    tlv.Type = 9
	typeRespTimestamp tlv.Type = 10
	typeRespSignature tlv.Type = 11
)

// Response is the server's signed answer to a ServerRequest. The identity
// fields echo the committed ledger entry and are empty on failures.
type Response struct {
	Version       uint8
	Algorithm     keys.Algorithm
	KeyNumber     uint32
	Status        Status
	Reason        string
	PayerUsername string
	PayeeUsername string
	Currency      string
	Amount        int64
	Timestamp     int64
	Signature     []byte
}

// NewResponse echoes a committed ledger entry under the given status.
func NewResponse(status Status, entry domain.Entry) *Response {
	return &Response{
		Version:       Version,
		Status:        status,
		PayerUsername: entry.PayerUsername,
		PayeeUsername: entry.PayeeUsername,
		Currency:      entry.Currency,
		Amount:        entry.Amount,
		Timestamp:     entry.PayerTimestamp,
	}
}

type responseWire struct {
	version   uint8
	algorithm uint8
	keyNumber uint32
	status    uint8
	reason    []byte
	payer     []byte
	payee     []byte
	currency  []byte
	amount    uint64
	timestamp uint64
	signature []byte
}

func (w *responseWire) records(withReason, withIdentity, withSignature bool) []tlv.Record {
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeRespVersion, &w.version),
		tlv.MakePrimitiveRecord(typeRespAlgorithm, &w.algorithm),
		tlv.MakePrimitiveRecord(typeRespKeyNumber, &w.keyNumber),
		tlv.MakePrimitiveRecord(typeRespStatus, &w.status),
	}
	if withReason {
		records = append(records, tlv.MakePrimitiveRecord(typeRespReason, &w.reason))
	}
	if withIdentity {
		records = append(records,
			tlv.MakePrimitiveRecord(typeRespPayer, &w.payer),
			tlv.MakePrimitiveRecord(typeRespPayee, &w.payee),
			tlv.MakePrimitiveRecord(typeRespCurrency, &w.currency),
			tlv.MakePrimitiveRecord(typeRespAmount, &w.amount),
			tlv.MakePrimitiveRecord(typeRespTimestamp, &w.timestamp),
		)
	}
	if withSignature {
		records = append(records, tlv.MakePrimitiveRecord(typeRespSignature, &w.signature))
	}
	return records
}

func (r *Response) wire() *responseWire {
	return &responseWire{
		version:   r.Version,
		algorithm: uint8(r.Algorithm),
		keyNumber: r.KeyNumber,
		status:    uint8(r.Status),
		reason:    []byte(r.Reason),
		payer:     []byte(r.PayerUsername),
		payee:     []byte(r.PayeeUsername),
		currency:  []byte(r.Currency),
		amount:    uint64(r.Amount),
		timestamp: uint64(r.Timestamp),
		signature: r.Signature,
	}
}

func (r *Response) hasIdentity() bool { return r.PayerUsername != "" }

func (r *Response) SignedPayload() ([]byte, error) {
	w := r.wire()
	return encodeRecords(w.records(r.Reason != "", r.hasIdentity(), false)...)
}

// Sign stamps the signer's algorithm and key number onto r and signs it.
func (r *Response) Sign(signer keys.Signer) error {
	if r.Version == 0 {
		r.Version = Version
	}
	r.Algorithm = signer.Algorithm()
	r.KeyNumber = signer.KeyNumber()

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

// Verify lets a client check the server signature.
func (r *Response) Verify(serverPublicKey []byte) (bool, error) {
	payload, err := r.SignedPayload()
	if err != nil {
		return false, err
	}
	return keys.Verify(r.Algorithm, serverPublicKey, payload, r.Signature)
}

func (r *Response) Encode() ([]byte, error) {
	w := r.wire()
	return encodeRecords(w.records(r.Reason != "", r.hasIdentity(), true)...)
}

func DecodeResponse(data []byte) (*Response, error) {
	var w responseWire
	_, err := decodeRecords(data,
		[]tlv.Type{typeRespVersion, typeRespAlgorithm, typeRespKeyNumber, typeRespStatus},
		w.records(true, true, true)...,
	)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(w.version); err != nil {
		return nil, err
	}
	return &Response{
		Version:       w.version,
		Algorithm:     keys.Algorithm(w.algorithm),
		KeyNumber:     w.keyNumber,
		Status:        Status(w.status),
		Reason:        string(w.reason),
		PayerUsername: string(w.payer),
		PayeeUsername: string(w.payee),
		Currency:      string(w.currency),
		Amount:        int64(w.amount),
		Timestamp:     int64(w.timestamp),
		Signature:     w.signature,
	}, nil
}

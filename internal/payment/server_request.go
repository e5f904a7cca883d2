package payment

import (
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	typeSrvVersion       tlv.Type = 1
	typeSrvNofSignatures tlv.Type = 2
	typeSrvPayer         tlv.Type = 3
	typeSrvPayee         tlv.Type = 4
)

// ServerRequest bundles the payer's request and, when two signatures are
// required, the payee's countersigned copy of it.
type ServerRequest struct {
	Version       uint8
	NofSignatures uint8
	Payer         *Request
	Payee         *Request
}

// NewServerRequest builds a single-signature request when payee is nil and a
// two-signature request otherwise.
func NewServerRequest(payer, payee *Request) *ServerRequest {
	sr := &ServerRequest{Version: Version, NofSignatures: 1, Payer: payer}
	if payee != nil {
		sr.NofSignatures = 2
		sr.Payee = payee
	}
	return sr
}

func (s *ServerRequest) Encode() ([]byte, error) {
	version := s.Version
	if version == 0 {
		version = Version
	}
	nof := s.NofSignatures

	var payer, payee []byte
	var err error
	if s.Payer != nil {
		if payer, err = s.Payer.Encode(); err != nil {
			return nil, err
		}
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeSrvVersion, &version),
		tlv.MakePrimitiveRecord(typeSrvNofSignatures, &nof),
		tlv.MakePrimitiveRecord(typeSrvPayer, &payer),
	}
	if s.Payee != nil {
		if payee, err = s.Payee.Encode(); err != nil {
			return nil, err
		}
		records = append(records, tlv.MakePrimitiveRecord(typeSrvPayee, &payee))
	}
	return encodeRecords(records...)
}

func DecodeServerRequest(data []byte) (*ServerRequest, error) {
	var (
		version, nof uint8
		payer, payee []byte
	)
	parsed, err := decodeRecords(data,
		[]tlv.Type{typeSrvVersion, typeSrvNofSignatures, typeSrvPayer},
		tlv.MakePrimitiveRecord(typeSrvVersion, &version),
		tlv.MakePrimitiveRecord(typeSrvNofSignatures, &nof),
		tlv.MakePrimitiveRecord(typeSrvPayer, &payer),
		tlv.MakePrimitiveRecord(typeSrvPayee, &payee),
	)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(version); err != nil {
		return nil, err
	}

	sr := &ServerRequest{Version: version, NofSignatures: nof}
	if sr.Payer, err = DecodeRequest(payer); err != nil {
		return nil, err
	}
	if _, ok := parsed[typeSrvPayee]; ok {
		if sr.Payee, err = DecodeRequest(payee); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

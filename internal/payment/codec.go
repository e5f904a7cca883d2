package payment

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
)

// Version is the wire format version written by this server.
const Version uint8 = 1

var (
	ErrUnsupportedVersion  = errors.New("unsupported wire version")
	ErrMissingField        = errors.New("missing required field")
	ErrDanglingInputAmount = errors.New("input amount without input currency")
)

func encodeRecords(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeRecords decodes data into records and checks every required type was present.
func decodeRecords(data []byte, required []tlv.Type, records ...tlv.Record) (tlv.TypeMap, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}
	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tlv stream: %w", err)
	}
	for _, typ := range required {
		if _, ok := parsed[typ]; !ok {
			return nil, fmt.Errorf("%w: type %d", ErrMissingField, typ)
		}
	}
	return parsed, nil
}

func checkVersion(v uint8) error {
	if v != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	return nil
}

package kvstore

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wolfeidau/tlstrust/hpkp"
	"github.com/wolfeidau/tlstrust/hsts"
)

// Record field numbers. HSTS and HPKP share the common prefix.
const (
	fieldHost              protowire.Number = 1
	fieldCreated           protowire.Number = 2
	fieldMaxAge            protowire.Number = 3
	fieldIncludeSubdomains protowire.Number = 4
	fieldPort              protowire.Number = 5 // HSTS
	fieldPin               protowire.Number = 6 // HPKP, repeated

	fieldPinHashType protowire.Number = 1
	fieldPinEncoded  protowire.Number = 2
)

func hstsKey(host string, port uint16) []byte {
	return []byte(host + "|" + strconv.Itoa(int(port)))
}

func hpkpKey(host string) []byte {
	return []byte(host)
}

func appendCommon(b []byte, host string, created, maxAge int64, includeSubdomains bool) []byte {
	b = protowire.AppendTag(b, fieldHost, protowire.BytesType)
	b = protowire.AppendString(b, host)
	b = protowire.AppendTag(b, fieldCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(created))
	b = protowire.AppendTag(b, fieldMaxAge, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(maxAge))
	b = protowire.AppendTag(b, fieldIncludeSubdomains, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(includeSubdomains))
	return b
}

func marshalHSTS(e *hsts.Entry) []byte {
	b := appendCommon(nil, e.Host, e.Created, e.MaxAge, e.IncludeSubdomains)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Port))
	return b
}

func unmarshalHSTS(b []byte) (*hsts.Entry, error) {
	e := &hsts.Entry{}
	var created, maxAge int64
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Host = v
			return n, nil
		case num == fieldCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			created = int64(v)
			return n, nil
		case num == fieldMaxAge && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			maxAge = int64(v)
			return n, nil
		case num == fieldIncludeSubdomains && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.IncludeSubdomains = protowire.DecodeBool(v)
			return n, nil
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if v > 0xffff {
				return 0, fmt.Errorf("%w: port %d out of range", ErrCorrupted, v)
			}
			e.Port = uint16(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if e.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrCorrupted)
	}
	restored := hsts.NewEntry(e.Host, e.Port, maxAge, e.IncludeSubdomains, created)
	return restored, nil
}

func marshalHPKP(e *hpkp.Entry) []byte {
	b := appendCommon(nil, e.Host, e.Created, e.MaxAge, e.IncludeSubdomains)
	for _, p := range e.Pins() {
		var pin []byte
		pin = protowire.AppendTag(pin, fieldPinHashType, protowire.BytesType)
		pin = protowire.AppendString(pin, p.HashType)
		pin = protowire.AppendTag(pin, fieldPinEncoded, protowire.BytesType)
		pin = protowire.AppendString(pin, p.Encoded)

		b = protowire.AppendTag(b, fieldPin, protowire.BytesType)
		b = protowire.AppendBytes(b, pin)
	}
	return b
}

func unmarshalHPKP(b []byte) (*hpkp.Entry, error) {
	var (
		host              string
		created, maxAge   int64
		includeSubdomains bool
		pins              [][2]string
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			host = v
			return n, nil
		case num == fieldCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			created = int64(v)
			return n, nil
		case num == fieldMaxAge && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			maxAge = int64(v)
			return n, nil
		case num == fieldIncludeSubdomains && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			includeSubdomains = protowire.DecodeBool(v)
			return n, nil
		case num == fieldPin && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			pin, err := unmarshalPin(v)
			if err != nil {
				return 0, err
			}
			pins = append(pins, pin)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrCorrupted)
	}

	e := hpkp.NewEntry(host, created)
	e.SetMaxAge(maxAge)
	e.IncludeSubdomains = includeSubdomains
	for _, p := range pins {
		if err := e.AddPin(p[0], p[1]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
	}
	return e, nil
}

func unmarshalPin(b []byte) ([2]string, error) {
	var pin [2]string
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ == protowire.BytesType && (num == fieldPinHashType || num == fieldPinEncoded) {
			v, n := protowire.ConsumeString(b)
			pin[num-1] = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return pin, err
}

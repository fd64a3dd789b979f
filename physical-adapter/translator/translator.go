// Package translator converts CoAP payloads to values and back according to their content format.
package translator

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/plgd-dev/coap-twin-adapter/physical-adapter/translator/senml"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	AppSenmlJSON message.MediaType = 110
	AppSenmlCBOR message.MediaType = 112
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	cborDecMode = func() cbor.DecMode {
		dm, err := cbor.DecOptions{
			DefaultMapType: reflect.TypeOf(map[string]interface{}{}),
		}.DecMode()
		if err != nil {
			panic(err)
		}
		return dm
	}()
)

type Options struct {
	// ValuePath selects, or places, the value inside a JSON document.
	ValuePath string
}

type Option func(*Options)

func WithValuePath(path string) Option {
	return func(o *Options) {
		o.ValuePath = path
	}
}

func makeOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IsSupported reports whether payloads of the content format can be translated.
func IsSupported(contentFormat message.MediaType) bool {
	switch contentFormat {
	case message.TextPlain, message.AppOctets, message.AppJSON, message.AppCBOR, AppSenmlJSON, AppSenmlCBOR:
		return true
	}
	return false
}

// Decode converts a payload to a value: text/plain gives a string, octet-stream []byte,
// JSON and CBOR generic values and SenML a senml.Pack.
func Decode(payload []byte, contentFormat message.MediaType, opts ...Option) (interface{}, error) {
	o := makeOptions(opts)
	switch contentFormat {
	case message.TextPlain:
		return string(payload), nil
	case message.AppOctets:
		return bytes.Clone(payload), nil
	case message.AppJSON:
		return decodeJSON(payload, o.ValuePath)
	case message.AppCBOR:
		var v interface{}
		if err := cborDecMode.Unmarshal(payload, &v); err != nil {
			return nil, &DecodeError{ContentFormat: contentFormat, Err: err}
		}
		return v, nil
	case AppSenmlJSON:
		p, err := senml.DecodeJSON(payload)
		if err != nil {
			return nil, &DecodeError{ContentFormat: contentFormat, Err: err}
		}
		return p, nil
	case AppSenmlCBOR:
		p, err := senml.DecodeCBOR(payload)
		if err != nil {
			return nil, &DecodeError{ContentFormat: contentFormat, Err: err}
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, contentFormat)
}

func decodeJSON(payload []byte, valuePath string) (interface{}, error) {
	if !gjson.ValidBytes(payload) {
		return nil, &DecodeError{ContentFormat: message.AppJSON, Err: fmt.Errorf("invalid json")}
	}
	if valuePath != "" {
		res := gjson.GetBytes(payload, valuePath)
		if !res.Exists() {
			return nil, &DecodeError{ContentFormat: message.AppJSON, Err: fmt.Errorf("path('%v') not found", valuePath)}
		}
		return res.Value(), nil
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, &DecodeError{ContentFormat: message.AppJSON, Err: err}
	}
	return v, nil
}

func encodeText(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	case bool:
		return []byte(strconv.FormatBool(val)), nil
	case float64:
		return []byte(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case float32:
		return []byte(strconv.FormatFloat(float64(val), 'g', -1, 32)), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return []byte(fmt.Sprint(val)), nil
	case fmt.Stringer:
		return []byte(val.String()), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

func toPack(v interface{}) (senml.Pack, error) {
	switch val := v.(type) {
	case senml.Pack:
		return val, nil
	case []senml.Record:
		return senml.Pack(val), nil
	case senml.Record:
		return senml.Pack{val}, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

// Encode converts a value to a payload of the content format.
func Encode(v interface{}, contentFormat message.MediaType, opts ...Option) ([]byte, error) {
	o := makeOptions(opts)
	var data []byte
	var err error
	switch contentFormat {
	case message.TextPlain:
		data, err = encodeText(v)
	case message.AppOctets:
		switch val := v.(type) {
		case []byte:
			data = val
		case string:
			data = []byte(val)
		default:
			err = fmt.Errorf("unsupported type %T", v)
		}
	case message.AppJSON:
		if o.ValuePath != "" {
			data, err = sjson.SetBytes([]byte("{}"), o.ValuePath, v)
		} else {
			data, err = json.Marshal(v)
		}
	case message.AppCBOR:
		data, err = cbor.Marshal(v)
	case AppSenmlJSON, AppSenmlCBOR:
		var p senml.Pack
		p, err = toPack(v)
		if err == nil && contentFormat == AppSenmlJSON {
			data, err = senml.EncodeJSON(p)
		} else if err == nil {
			data, err = senml.EncodeCBOR(p)
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, contentFormat)
	}
	if err != nil {
		return nil, &EncodeError{ContentFormat: contentFormat, Err: err}
	}
	return data, nil
}

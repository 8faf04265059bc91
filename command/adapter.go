package command

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

var (
	// ErrMissingField is wrapped by FieldError when a required key is absent
	ErrMissingField = errors.New("command: missing field")
	// ErrInvalidField is wrapped by FieldError when a key holds the wrong type
	ErrInvalidField = errors.New("command: invalid field")
)

// FieldError reports a problem with one key of a structured value
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Field)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// DeclareExchangeFromJSON decodes a JSON object and builds a DeclareExchange
// from it. See DeclareExchangeFromValue for the accepted keys.
func DeclareExchangeFromJSON(data []byte) (DeclareExchange, error) {
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return DeclareExchange{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return DeclareExchangeFromValue(value)
}

// DeclareExchangeFromValue builds a DeclareExchange from a generic value.
//
// exchange_name and exchange_kind are required strings. exchange_options is
// optional; when it is absent or does not decode into ExchangeOptions the
// default options are used instead of failing.
func DeclareExchangeFromValue(value map[string]any) (DeclareExchange, error) {
	name, err := requiredString(value, "exchange_name")
	if err != nil {
		return DeclareExchange{}, err
	}
	kind, err := requiredString(value, "exchange_kind")
	if err != nil {
		return DeclareExchange{}, err
	}

	return DeclareExchange{
		Name:    name,
		Kind:    ParseExchangeKind(kind),
		Options: decodeOptions(value["exchange_options"]),
	}, nil
}

func requiredString(value map[string]any, field string) (string, error) {
	raw, ok := value[field]
	if !ok || raw == nil {
		return "", &FieldError{Field: field, Err: ErrMissingField}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &FieldError{Field: field, Err: ErrInvalidField}
	}
	return s, nil
}

func decodeOptions(raw any) ExchangeOptions {
	var opts ExchangeOptions
	if raw == nil {
		return opts
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &opts,
		TagName: "mapstructure",
	})
	if err != nil {
		return ExchangeOptions{}
	}
	if err := decoder.Decode(raw); err != nil {
		return ExchangeOptions{}
	}
	return opts
}

package gateway

import (
	"encoding/json"
	"io"
)

func DecodeJson(r io.Reader, v any) error {
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(v); err != nil {
		return err
	}
	return nil
}

func EncodeJson(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return nil
}

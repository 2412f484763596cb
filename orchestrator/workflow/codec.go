package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payloads travel as self-describing JSON objects whose first key is
// "$type". Readers prefer the side-band type column (inputTypeName /
// propertiesTypeName) and fall back to the embedded discriminator.
const typeKey = "$type"

// Encode marshals payload and splices the discriminator in as the first
// key. Only object-shaped payloads are accepted; the wire format has no
// place to hang a discriminator on an array or scalar.
func Encode(typeName string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("workflow: encode %s: %w", typeName, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) < 2 || raw[0] != '{' {
		return "", fmt.Errorf("workflow: encode %s: payload must serialize to a JSON object, got %T", typeName, payload)
	}

	name, err := json.Marshal(typeName)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.Grow(len(raw) + len(name) + len(typeKey) + 5)
	buf.WriteString(`{"` + typeKey + `":`)
	buf.Write(name)
	if bytes.Equal(raw, []byte("{}")) {
		buf.WriteByte('}')
	} else {
		buf.WriteByte(',')
		buf.Write(raw[1:])
	}
	return buf.String(), nil
}

// TypeOf extracts the embedded discriminator, if any.
func TypeOf(data string) (string, bool) {
	var env struct {
		TypeName string `json:"$type"`
	}
	if err := json.Unmarshal([]byte(data), &env); err != nil || env.TypeName == "" {
		return "", false
	}
	return env.TypeName, true
}

// Decode rehydrates data into a fresh input value for the definition.
// typeHint is the side-band column; when set it must agree with the
// definition's input type. An embedded $type is checked the same way.
func Decode(def *Definition, data string, typeHint string) (any, error) {
	wireType := typeHint
	if wireType == "" {
		wireType, _ = TypeOf(data)
	}
	if wireType != "" && wireType != def.InputType {
		return nil, fmt.Errorf("workflow: %s expects input %s, payload declares %s", def.Name, def.InputType, wireType)
	}
	in := def.NewInput()
	if data != "" {
		if err := json.Unmarshal([]byte(data), in); err != nil {
			return nil, fmt.Errorf("workflow: decode input for %s: %w", def.Name, err)
		}
	}
	return in, nil
}

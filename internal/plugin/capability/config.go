package capability

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/colloq/colloq/internal/secret"
)

// PasswordFields returns the config schema's top-level property names whose
// format is "password". Those values are encrypted at rest, masked on
// administrative surfaces and decrypted for plugin runtime.
func PasswordFields(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var fields []string
	gjson.GetBytes(schema, "properties").ForEach(func(name, prop gjson.Result) bool {
		if prop.Get("format").String() == "password" {
			fields = append(fields, name.String())
		}
		return true
	})
	return fields
}

// DecryptConfig returns config with every password field decrypted for the
// plugin's runtime. Fields stored as plaintext (legacy or never saved
// through the admin surface) pass through untouched.
func DecryptConfig(box *secret.Box, schema, config json.RawMessage) (json.RawMessage, error) {
	if len(config) == 0 {
		return config, nil
	}
	out := config
	for _, field := range PasswordFields(schema) {
		value := gjson.GetBytes(out, field)
		if !value.Exists() || !secret.IsEncrypted(value.String()) {
			continue
		}
		if box == nil {
			return nil, fmt.Errorf("config field %q is encrypted but no secret key is configured", field)
		}
		plain, err := box.Decrypt(value.String())
		if err != nil {
			return nil, fmt.Errorf("config field %q: %w", field, err)
		}
		next, err := sjson.SetBytes(out, field, plain)
		if err != nil {
			return nil, fmt.Errorf("config field %q: %w", field, err)
		}
		out = next
	}
	return out, nil
}

// MaskConfig returns config with every present password field replaced by
// the fixed placeholder, for echoing to administrative surfaces.
func MaskConfig(schema, config json.RawMessage) (json.RawMessage, error) {
	if len(config) == 0 {
		return config, nil
	}
	out := config
	for _, field := range PasswordFields(schema) {
		if !gjson.GetBytes(out, field).Exists() {
			continue
		}
		next, err := sjson.SetBytes(out, field, secret.Placeholder)
		if err != nil {
			return nil, fmt.Errorf("mask config field %q: %w", field, err)
		}
		out = next
	}
	return out, nil
}

// ApplyConfigUpdate merges an admin-submitted config over the stored one,
// producing the next at-rest document. A password field equal to the
// placeholder means "unchanged" and keeps the stored ciphertext; any other
// password value is encrypted fresh. Non-password fields are taken from the
// incoming document as-is.
func ApplyConfigUpdate(box *secret.Box, schema, stored, incoming json.RawMessage) (json.RawMessage, error) {
	if len(incoming) == 0 {
		return stored, nil
	}
	out := incoming
	for _, field := range PasswordFields(schema) {
		value := gjson.GetBytes(out, field)
		if !value.Exists() {
			continue
		}
		if value.String() == secret.Placeholder {
			prev := gjson.GetBytes(stored, field)
			next, err := sjson.SetBytes(out, field, prev.Value())
			if err != nil {
				return nil, fmt.Errorf("config field %q: %w", field, err)
			}
			out = next
			continue
		}
		if secret.IsEncrypted(value.String()) {
			// Already ciphertext, store as-is.
			continue
		}
		if box == nil {
			return nil, fmt.Errorf("config field %q needs encryption but no secret key is configured", field)
		}
		sealed, err := box.Encrypt(value.String())
		if err != nil {
			return nil, fmt.Errorf("config field %q: %w", field, err)
		}
		next, err := sjson.SetBytes(out, field, sealed)
		if err != nil {
			return nil, fmt.Errorf("config field %q: %w", field, err)
		}
		out = next
	}
	return out, nil
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fn

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical re-encodes raw JSON into a canonical form: object keys
// sorted, no insignificant whitespace, numbers preserved verbatim.
// Workflow replay compares step arguments byte-for-byte, so every args
// payload crossing the journal goes through this first.
func Canonical(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	// encoding/json marshals map keys in sorted order, which is the
	// whole trick.
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("re-encoding JSON: %w", err)
	}
	return out, nil
}

// MarshalArgs marshals an arbitrary value into canonical JSON.
func MarshalArgs(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling args: %w", err)
	}
	return Canonical(raw)
}

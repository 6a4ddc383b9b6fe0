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

import "encoding/json"

// ResultKind classifies a terminal function outcome.
type ResultKind string

const (
	// ResultSuccess means the function returned normally.
	ResultSuccess ResultKind = "success"
	// ResultFailed means the function returned an error (after any
	// retries were exhausted).
	ResultFailed ResultKind = "failed"
	// ResultCanceled means the function was canceled before producing a
	// result. Cancellations are not errors.
	ResultCanceled ResultKind = "canceled"
)

// RunResult is the terminal outcome of a dispatched function, serialized
// into completion queues, journals, and onComplete payloads.
type RunResult struct {
	Kind        ResultKind      `json:"kind"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Success wraps a return value in a successful RunResult.
func Success(value json.RawMessage) RunResult {
	return RunResult{Kind: ResultSuccess, ReturnValue: value}
}

// Failed wraps an error message in a failed RunResult.
func Failed(errMsg string) RunResult {
	return RunResult{Kind: ResultFailed, Error: errMsg}
}

// Canceled returns the canceled RunResult.
func Canceled() RunResult {
	return RunResult{Kind: ResultCanceled}
}

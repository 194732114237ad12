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

package kv

import "fmt"

// DefaultPrefix namespaces Redis keys when no deployment prefix is
// configured.
const DefaultPrefix = "worchflow"

// Keys builds the Redis key names for one deployment prefix.
type Keys struct {
	prefix string
}

// NewKeys returns a Keys for the given prefix, falling back to
// DefaultPrefix when empty.
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{prefix: prefix}
}

// Prefix returns the configured prefix.
func (k Keys) Prefix() string {
	return k.prefix
}

// Queue is the FIFO list of pending execution ids.
func (k Keys) Queue() string {
	return k.prefix + ":queue"
}

// Execution is the hash holding one execution's stringified fields.
func (k Keys) Execution(id string) string {
	return fmt.Sprintf("%s:execution:%s", k.prefix, id)
}

// Steps is the hash of stepId to wrapped step-result blobs for one
// execution.
func (k Keys) Steps(executionID string) string {
	return fmt.Sprintf("%s:steps:%s", k.prefix, executionID)
}

// Leader is the scheduler leader-election TTL key.
func (k Keys) Leader() string {
	return k.prefix + ":scheduler:leader"
}

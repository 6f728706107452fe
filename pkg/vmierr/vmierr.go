// Copyright 2026 The xenvmi Authors.
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

// Package vmierr defines the error kinds shared by the introspection
// driver and its collaborators.
//
// Callers distinguish kinds with errors.Is; producers attach context with
// fmt.Errorf and %w so the kind survives wrapping.
package vmierr

import "errors"

var (
	// ErrInvalidParameter indicates a malformed request, most commonly a
	// map request whose byte range crosses a page boundary.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrTranslationFailed indicates that a guest virtual address could
	// not be resolved to a physical frame (unmapped or invalid in the
	// vcpu's current address space).
	ErrTranslationFailed = errors.New("virtual address translation failed")

	// ErrPageNotPresent indicates that the requested frame exists but is
	// not currently backed by the hypervisor.
	ErrPageNotPresent = errors.New("page not present")

	// ErrCacheExhausted indicates that the mapping cache is at capacity
	// and every resident entry is still referenced.
	ErrCacheExhausted = errors.New("mapping cache exhausted")

	// ErrMappingFailed indicates a generic hypervisor mapping failure.
	ErrMappingFailed = errors.New("mapping failed")

	// ErrPermissionDenied indicates that the hypervisor refused the
	// operation.
	ErrPermissionDenied = errors.New("permission denied")
)

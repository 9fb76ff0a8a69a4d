// Copyright 2024 The registry-engine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import "net/http"

// Status is the machine-readable outcome of an accessor operation.
// Every operation returns a (Status, value) pair; the API layer maps
// statuses to HTTP codes.
type Status int

const (
	StatusSuccess Status = iota
	StatusAlreadyExists
	StatusDoesNotExist
	StatusBadRequest
	StatusDisqualified
	StatusTooManyArtifacts
	StatusDeferred
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusAlreadyExists:
		return "ALREADY_EXISTS"
	case StatusDoesNotExist:
		return "DOES_NOT_EXIST"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusDisqualified:
		return "DISQUALIFIED"
	case StatusTooManyArtifacts:
		return "TOO_MANY_ARTIFACTS"
	case StatusDeferred:
		return "DEFERRED"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPCode translates the status into its contractual HTTP status
// code. Success on a register is 201, on every other operation 200.
func (s Status) HTTPCode(created bool) int {
	switch s {
	case StatusSuccess:
		if created {
			return http.StatusCreated
		}
		return http.StatusOK
	case StatusAlreadyExists:
		return http.StatusConflict
	case StatusDoesNotExist:
		return http.StatusNotFound
	case StatusBadRequest:
		return http.StatusBadRequest
	case StatusDisqualified:
		return http.StatusFailedDependency
	case StatusTooManyArtifacts:
		return http.StatusRequestEntityTooLarge
	case StatusDeferred:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// Copyright 2025 The wsiconvert Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wsi

import "fmt"

// DecodeError reports an unreadable or corrupt source block. The pipeline
// caches decode failures per block key, so repeated requests for a broken
// block fail fast instead of re-attempting the decode.
type DecodeError struct {
	Key BlockKey
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding block level=%d x=%d y=%d: %v", e.Key.Level, e.Key.X, e.Key.Y, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a codec failure while transcoding one tile.
type EncodeError struct {
	Level int
	X     int
	Y     int
	Err   error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encoding tile level=%d x=%d y=%d: %v", e.Level, e.X, e.Y, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package metainfo

import "fmt"

// ParseError marks malformed metainfo input: invalid bencode, missing
// required fields, inconsistent piece geometry, or an unsupported magnet
// form. Parse errors are fatal for the input which produced them.
type ParseError struct {
	msg string
}

func parseErrorf(format string, args ...interface{}) ParseError {
	return ParseError{fmt.Sprintf(format, args...)}
}

func (e ParseError) Error() string {
	return fmt.Sprintf("parse metainfo: %s", e.msg)
}

// IsParseError returns whether err is a ParseError.
func IsParseError(err error) bool {
	_, ok := err.(ParseError)
	return ok
}

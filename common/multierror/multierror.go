//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package multierror

import (
	"strings"
)

// Error collects the failures of a multi-step check.
type Error struct {
	errs []error
}

func (e *Error) Error() string {
	if len(e.errs) == 1 {
		return e.errs[0].Error()
	}
	msgs := make([]string, len(e.errs))
	for i, err := range e.errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (e *Error) Errors() []error {
	return e.errs
}

// Append adds errs to err, which may be nil or a plain error. Nil errors
// are skipped. The result is nil if there is nothing to report.
func Append(err error, errs ...error) error {
	var res *Error
	switch e := err.(type) {
	case nil:
		res = &Error{}
	case *Error:
		res = e
	default:
		res = &Error{errs: []error{err}}
	}
	for _, e := range errs {
		if e != nil {
			res.errs = append(res.errs, e)
		}
	}
	if len(res.errs) == 0 {
		return nil
	}
	return res
}

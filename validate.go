/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tabular

import "regexp"

var (
	rxPort   = regexp.MustCompile(`:[0-9]+$`)
	rxPrefix = regexp.MustCompile(`^(/[A-Za-z0-9_.-]+)+$`)
)

// addrWithDefaultPort appends the default HTTP port to l if l has no port
// of its own.
func addrWithDefaultPort(l string) string {
	if !rxPort.MatchString(l) {
		return l + ":8080"
	}
	return l
}

/*
 * Copyright 2024 Lakeroad Labs
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

// The package apisuite provides the definition of the suite configuration
// (the [SuiteConfig] structure and it's children), as well as the
// implementation of the suite runner itself ([Suite]), which starts one HTTP
// service per configured entry. Runtime dependencies to be supplied by the
// caller are specified using the [RuntimeInterface].
//
// The code for the `cmd/apisuite` CLI tool is a good example of how to use
// the Suite.
package apisuite

// Version is the version of the suite, reported by health endpoints and the
// CLI.
const Version = "1.0.0"

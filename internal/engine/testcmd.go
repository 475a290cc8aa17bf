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

package engine

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// testRule maps a manifest pattern to the test command for that ecosystem.
// Rules are checked in order; the first manifest present wins, so more
// specific layouts come first.
type testRule struct {
	pattern string
	name    string
	cmd     []string
}

var testRules = []testRule{
	{pattern: "go.mod", name: "go", cmd: []string{"go", "test", "./..."}},
	{pattern: "Cargo.toml", name: "cargo", cmd: []string{"cargo", "test"}},
	{pattern: "pyproject.toml", name: "pytest", cmd: []string{"pytest", "-x", "-q"}},
	{pattern: "setup.py", name: "pytest", cmd: []string{"pytest", "-x", "-q"}},
	{pattern: "pytest.ini", name: "pytest", cmd: []string{"pytest", "-x", "-q"}},
	{pattern: "package.json", name: "npm", cmd: []string{"npm", "test", "--silent"}},
	{pattern: "pom.xml", name: "maven", cmd: []string{"mvn", "-q", "test"}},
	{pattern: "build.gradle*", name: "gradle", cmd: []string{"gradle", "test"}},
	{pattern: "Makefile", name: "make", cmd: []string{"make", "test"}},
}

// DetectTestCommand inspects the working tree root for a known project
// manifest and returns the ecosystem name and test command.
func DetectTestCommand(dir string) (string, []string, error) {
	fsys := rootFS(dir)
	for _, rule := range testRules {
		matches, err := doublestar.Glob(fsys, rule.pattern)
		if err != nil {
			continue
		}
		if len(matches) > 0 {
			return rule.name, rule.cmd, nil
		}
	}
	return "", nil, &errors.InputError{
		Field:   "repository",
		Message: "no recognized project manifest in working tree",
	}
}

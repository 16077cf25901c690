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

package apisuite_test

import (
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/lakeroad/apisuite"
	"github.com/stretchr/testify/require"
)

const (
	invalidCfgs = "_test/invalid_cfgs.jsons"
	warnCfgs    = "_test/warn_cfgs.jsons"
)

func TestValidateConfigError(t *testing.T) {
	r := require.New(t)

	f, err := os.Open(invalidCfgs)
	r.Nil(err)
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var cfg apisuite.SuiteConfig
		if err := dec.Decode(&cfg); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("bad json in %s: %v", invalidCfgs, err)
		}
		if err := cfg.IsValid(); err == nil {
			t.Fatalf("invalid config passes:\n%+v\n", cfg)
		} else {
			t.Logf("error (expected): %v", err)
		}
	}
}

func TestValidateConfigWarn(t *testing.T) {
	r := require.New(t)

	f, err := os.Open(warnCfgs)
	r.Nil(err)
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var cfg apisuite.SuiteConfig
		if err := dec.Decode(&cfg); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("bad json in %s: %v", warnCfgs, err)
		}
		count := 0
		for _, vr := range cfg.Validate() {
			r.True(vr.Warn, vr.Message)
			r.Greater(len(vr.Message), 0)
			t.Logf("warning (expected): %s", vr.Message)
			count++
		}
		r.Greater(count, 0, "at least 1 warning was expected")
	}
}

func TestValidateDefaultListen(t *testing.T) {
	r := require.New(t)

	// listen specs without a port collide with ones naming :8080 explicitly
	var cfg apisuite.SuiteConfig
	r.Nil(json.Unmarshal([]byte(`{
		"version": "1.0.0",
		"services": [
			{ "name": "a", "kind": "hello", "listen": "127.0.0.1" },
			{ "name": "b", "kind": "hello", "listen": "127.0.0.1:8080" }
		]
	}`), &cfg))
	r.NotNil(cfg.IsValid())
}

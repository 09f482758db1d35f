// Copyright 2024 The OSS Rebuild Authors
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

// Package purl parses Package URLs into the (ecosystem, name, version)
// triple the rest of the service operates on.
package purl

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Ecosystem is a canonical, lower-case ecosystem tag used as a storage
// prefix and as the value passed to the sandbox.
type Ecosystem string

const (
	PyPI      Ecosystem = "pypi"
	NPM       Ecosystem = "npm"
	RubyGems  Ecosystem = "rubygems"
	Maven     Ecosystem = "maven"
	Packagist Ecosystem = "packagist"
)

const schemePrefix = "pkg:"

// ecosystemTokens maps the PURL scheme token to its canonical ecosystem.
var ecosystemTokens = map[string]Ecosystem{
	"pypi":      PyPI,
	"npm":       NPM,
	"gem":       RubyGems,
	"maven":     Maven,
	"packagist": Packagist,
}

// Error is returned for any malformed or unsupported PURL.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func newError(format string, args ...any) error {
	return &Error{errors.Errorf(format, args...).Error()}
}

// Package is the parsed result of a PURL.
type Package struct {
	Ecosystem  Ecosystem
	Name       string
	Version    string
	Qualifiers map[string]string
}

// Parse parses a single PURL string per the rules in spec.md §4.2.
//
// Order matters: scheme/ecosystem, qualifiers, version, namespace, then
// ecosystem-specific name composition.
func Parse(raw string) (Package, error) {
	if !strings.HasPrefix(raw, schemePrefix) {
		return Package{}, newError("purl missing 'pkg:' scheme: %q", raw)
	}
	rest := strings.TrimPrefix(raw, schemePrefix)
	ecoToken, remainder, ok := strings.Cut(rest, "/")
	if !ok {
		return Package{}, newError("purl missing ecosystem separator: %q", raw)
	}
	eco, ok := ecosystemTokens[strings.ToLower(ecoToken)]
	if !ok {
		return Package{}, newError("unsupported ecosystem: %q", ecoToken)
	}

	qualifiers := map[string]string{}
	if body, qs, found := strings.Cut(remainder, "?"); found {
		remainder = body
		for _, pair := range strings.Split(qs, "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			dk, err := url.QueryUnescape(k)
			if err != nil {
				return Package{}, newError("invalid qualifier key %q: %v", k, err)
			}
			dv, err := url.QueryUnescape(v)
			if err != nil {
				return Package{}, newError("invalid qualifier value %q: %v", v, err)
			}
			qualifiers[dk] = dv
		}
	}

	namePart, version, hasVersion := strings.Cut(remainder, "@")
	if !hasVersion {
		return Package{}, newError("purl missing required version: %q", raw)
	}
	version, err := url.QueryUnescape(version)
	if err != nil {
		return Package{}, newError("invalid version encoding: %v", err)
	}
	if version == "" {
		return Package{}, newError("purl version must not be empty: %q", raw)
	}

	var namespace, name string
	if ns, n, hasNS := strings.Cut(namePart, "/"); hasNS {
		namespace, name = ns, n
	} else {
		name = namePart
	}
	namespace, err = url.QueryUnescape(namespace)
	if err != nil {
		return Package{}, newError("invalid namespace encoding: %v", err)
	}
	name, err = url.QueryUnescape(name)
	if err != nil {
		return Package{}, newError("invalid name encoding: %v", err)
	}
	if name == "" {
		return Package{}, newError("purl missing package name: %q", raw)
	}

	switch eco {
	case NPM:
		if namespace != "" {
			name = namespace + "/" + name
		}
	case Maven:
		if namespace != "" {
			name = namespace + ":" + name
		}
		namespace = ""
	}

	return Package{Ecosystem: eco, Name: name, Version: version, Qualifiers: qualifiers}, nil
}

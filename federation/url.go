// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a node URL: lowercase scheme and host,
// default port removed, trailing slash removed. Only http and https
// are accepted, and user info, queries, and fragments are rejected.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("federation: invalid URL %q: %w", raw, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("federation: URL %q must use http or https", raw)
	}
	if parsed.User != nil {
		return "", fmt.Errorf("federation: URL %q must not carry credentials", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("federation: URL %q must not have a query or fragment", raw)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return "", fmt.Errorf("federation: URL %q has no host", raw)
	}
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	return scheme + "://" + host + strings.TrimRight(parsed.EscapedPath(), "/"), nil
}

// AllowList is the set of peer URLs this node accepts tokens from.
// The zero value trusts nobody.
type AllowList struct {
	patterns []allowPattern
}

type allowPattern struct {
	raw    string
	scheme string
	labels []string // host labels; "*" matches exactly one label
	port   string
	path   string
}

// NewAllowList parses entries such as "https://peer.example" or
// "https://*.tause.dev". A "*" stands for exactly one whole host
// label. Scheme, port, and path must match exactly.
func NewAllowList(entries []string) (*AllowList, error) {
	list := &AllowList{}
	for _, entry := range entries {
		pattern, err := parseAllowPattern(entry)
		if err != nil {
			return nil, err
		}
		list.patterns = append(list.patterns, pattern)
	}
	return list, nil
}

func parseAllowPattern(entry string) (allowPattern, error) {
	// url.Parse accepts "*" in a host, and NormalizeURL lowercases it
	// like any other label.
	normalized, err := NormalizeURL(entry)
	if err != nil {
		return allowPattern{}, err
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return allowPattern{}, fmt.Errorf("federation: allow entry %q: %w", entry, err)
	}
	labels := strings.Split(parsed.Hostname(), ".")
	for _, label := range labels {
		if label == "" {
			return allowPattern{}, fmt.Errorf("federation: allow entry %q has an empty host label", entry)
		}
		if label != "*" && strings.Contains(label, "*") {
			return allowPattern{}, fmt.Errorf("federation: allow entry %q: wildcards must be whole labels", entry)
		}
	}
	if labels[len(labels)-1] == "*" {
		return allowPattern{}, fmt.Errorf("federation: allow entry %q: the top-level label cannot be a wildcard", entry)
	}
	return allowPattern{
		raw:    normalized,
		scheme: parsed.Scheme,
		labels: labels,
		port:   parsed.Port(),
		path:   parsed.EscapedPath(),
	}, nil
}

// Allows reports whether peerURL matches an entry. Unparseable URLs
// are never allowed.
func (a *AllowList) Allows(peerURL string) bool {
	if a == nil {
		return false
	}
	normalized, err := NormalizeURL(peerURL)
	if err != nil {
		return false
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	labels := strings.Split(parsed.Hostname(), ".")
	for _, pattern := range a.patterns {
		if pattern.matches(parsed, labels) {
			return true
		}
	}
	return false
}

func (p allowPattern) matches(candidate *url.URL, labels []string) bool {
	if candidate.Scheme != p.scheme || candidate.Port() != p.port || candidate.EscapedPath() != p.path {
		return false
	}
	if len(labels) != len(p.labels) {
		return false
	}
	for index, label := range p.labels {
		if label != "*" && label != labels[index] {
			return false
		}
	}
	return true
}

// Entries returns the normalized patterns.
func (a *AllowList) Entries() []string {
	if a == nil {
		return nil
	}
	entries := make([]string, len(a.patterns))
	for index, pattern := range a.patterns {
		entries[index] = pattern.raw
	}
	return entries
}

// Len reports the number of entries.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.patterns)
}

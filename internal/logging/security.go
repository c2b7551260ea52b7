// Catalogsync - ERP Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package logging

import (
	"net/url"
	"strings"
)

// sensitiveKeys are query/header names whose values never reach the log.
var sensitiveKeys = map[string]bool{
	"api_key":         true,
	"apikey":          true,
	"key":             true,
	"token":           true,
	"session":         true,
	"session_token":   true,
	"x-session-token": true,
	"authorization":   true,
	"password":        true,
	"secret":          true,
}

// SanitizeToken masks a token, keeping the first and last 4 characters.
//
//	"a1b2c3d4e5f6g7h8" -> "a1b2...g7h8"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// SanitizeValue masks value when key names a credential.
func SanitizeValue(key, value string) string {
	if sensitiveKeys[strings.ToLower(key)] {
		return SanitizeToken(value)
	}
	return value
}

// SanitizeURL masks credential-bearing query parameters and userinfo in raw.
// Unparseable input is returned truncated rather than verbatim.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return truncateString(raw, 64)
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	q := u.Query()
	changed := false
	for k, vs := range q {
		if !sensitiveKeys[strings.ToLower(k)] {
			continue
		}
		for i := range vs {
			vs[i] = SanitizeToken(vs[i])
		}
		q[k] = vs
		changed = true
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

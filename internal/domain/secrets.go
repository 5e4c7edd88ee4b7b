// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

const RedactedStr = "<redacted>"

// RedactString replaces a string with redacted placeholder
func RedactString(s string) string {
	if len(s) == 0 {
		return ""
	}

	return RedactedStr
}

// RedactCredentials redacts the password of every "user:password" pair in a
// comma separated list.
func RedactCredentials(list string) string {
	if list == "" {
		return ""
	}
	creds := strings.Split(list, ",")
	for i, cred := range creds {
		cred = strings.TrimSpace(cred)
		user, pass, found := strings.Cut(cred, ":")
		if !found {
			creds[i] = cred
			continue
		}
		creds[i] = user + ":" + RedactString(pass)
	}
	return strings.Join(creds, ",")
}

// Redacted returns a copy of c that is safe to log.
func (c Config) Redacted() Config {
	c.MetricsBasicAuthUsers = RedactCredentials(c.MetricsBasicAuthUsers)
	return c
}

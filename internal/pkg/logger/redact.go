// Package logger holds helpers for privacy-safe log output. Recipient
// addresses are stored but never exposed through the read API; log
// lines follow the same rule.
package logger

import "strings"

// RedactEmail masks the local part of an address for logging.
// "john.doe@example.com" becomes "jo***@example.com"; local parts of
// two characters or fewer are fully masked.
func RedactEmail(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := addr[:at], addr[at+1:]
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

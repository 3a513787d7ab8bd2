package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a value libinjection flagged.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string // Name of the input that failed the check
	ParamValue  string // The value that was checked
}

// CheckValueForInjection runs libinjection over a caller-supplied string.
// Returns nil if the value is clean.
//
// Values reach PostgreSQL as bound parameters, so this is a screen for
// hostile input rather than the only line of defence.
//
//	result := CheckValueForInjection("search", "'; DROP TABLE entity_instances--")
//	// result.IsSQLi == true
func CheckValueForInjection(paramName, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		ParamName:   paramName,
		ParamValue:  value,
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for enterprise functionality.
//
// This package provides extension points that allow AleutianEnterprise
// to add capabilities without modifying the core relay codebase.
// The open source version uses local defaults for all interfaces.
//
// # Design Philosophy
//
// The relay is designed as a fully functional local service that works
// without any identity or compliance infrastructure. Enterprise features
// are implemented by providing concrete implementations of these
// interfaces and injecting them via ServiceOptions.
//
// # Extension Categories
//
// The package is organized by domain:
//
//   - auth.go: Client authentication (AuthProvider)
//   - audit.go: Compliance audit logging (AuditLogger)
//
// # Usage
//
// Open source uses the defaults:
//
//	opts := extensions.DefaultOptions()
//	handler := handlers.NewChatStreamHandler(coordinator, opts)
//
// Enterprise injects implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider: enterprise.NewOktaProvider(config),
//	    AuditLogger:  enterprise.NewSplunkAuditor(config),
//	}
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to handler constructors to enable enterprise features.
// All fields are optional; nil values are replaced with defaults when
// DefaultOptions() is called.
type ServiceOptions struct {
	// AuthProvider validates client authentication tokens.
	// Default: NopAuthProvider (always returns valid local user)
	AuthProvider AuthProvider

	// AuditLogger records security-relevant events.
	// Default: SlogAuditLogger (writes to the structured log)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with local defaults.
//
// This is the configuration used by the open source version: every
// request authenticates as local-user and audit events go to the log.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  NewSlogAuditLogger(nil),
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

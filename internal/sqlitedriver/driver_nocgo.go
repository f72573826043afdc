// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

//go:build !cgo

package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	// modernc registers itself as "sqlite"; alias it so callers can open
	// "sqlite3" regardless of build mode.
	sql.Register("sqlite3", &sqlite.Driver{})
}

// EncryptionSupported reports whether the active driver understands
// PRAGMA key (SQLCipher). False on pure-Go builds.
const EncryptionSupported = false

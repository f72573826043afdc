// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package sqlitedriver registers a SQLite database/sql driver under the
// name "sqlite3". CGO builds use go-sqlcipher (SQLCipher encryption
// available); builds without CGO fall back to the pure-Go
// modernc.org/sqlite driver, which works everywhere but cannot encrypt.
//
// Import for side effects only:
//
//	import _ "github.com/assistantmd/assistantmd/internal/sqlitedriver"
package sqlitedriver

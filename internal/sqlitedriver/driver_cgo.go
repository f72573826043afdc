// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

//go:build cgo

package sqlitedriver

import (
	_ "github.com/mutecomm/go-sqlcipher/v4" // self-registers as "sqlite3", with SQLCipher support
)

// EncryptionSupported reports whether the active driver understands
// PRAGMA key (SQLCipher). True on CGO builds.
const EncryptionSupported = true

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small string and file helpers shared across chatrelay.
//
// # Key Functions
//
//   - TruncateRunes: UTF-8 safe truncation with ellipsis, used for log previews
//   - UTF16Len: length in UTF-16 code units, the unit turn limits are counted in
//   - AtomicWriteFile: crash-safe file writing with fsync
package util

// Copyright (c) 2019-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import "github.com/decred/slog"

var log = slog.Disabled

// UseLogger sets the package logger.  Default is a disabled logger.
func UseLogger(logger slog.Logger) {
	log = logger
}

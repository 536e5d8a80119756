// SPDX-License-Identifier: AGPL-3.0-or-later
// meshring - inter-node messaging fabric for clustered storage engines
// Copyright (C) 2026 The meshring Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/coredb-io/meshring>

package messaging

import (
	"net"
	"os"
	"strings"

	"github.com/pingcap/errors"
)

// Coded sentinel errors. Each is built with errors.Normalize so callers can
// test for a specific failure with errors.ErrorEqual(err, ErrX) without
// string-matching, and so every occurrence carries a stack trace at the
// point errors.Trace is applied.
var (
	ErrBadMagic          = errors.Normalize("bad protocol magic", errors.RFCCodeText("MSG:BadMagic"))
	ErrConnectTimeout    = errors.Normalize("outbound connect timed out", errors.RFCCodeText("MSG:ConnectTimeout"))
	ErrDuplicateVerb     = errors.Normalize("verb handler already registered", errors.RFCCodeText("MSG:DuplicateVerb"))
	ErrBindInUse         = errors.Normalize("listen address already in use", errors.RFCCodeText("MSG:BindInUse"))
	ErrBindCannotAssign  = errors.Normalize("listen address cannot be assigned", errors.RFCCodeText("MSG:BindCannotAssign"))
	ErrAuthRejected      = errors.Normalize("inbound connection rejected by authenticator", errors.RFCCodeText("MSG:AuthRejected"))
	ErrShuttingDown      = errors.Normalize("hub is shutting down", errors.RFCCodeText("MSG:ShuttingDown"))
	ErrDuplicateCallback = errors.Normalize("callback id already registered", errors.RFCCodeText("MSG:DuplicateCallback"))
	ErrUnknownPeer       = errors.Normalize("no outbound connection for endpoint", errors.RFCCodeText("MSG:UnknownPeer"))
	ErrCallbackNotFound  = errors.Normalize("callback id not found", errors.RFCCodeText("MSG:CallbackNotFound"))
)

// classifyBindError turns a net.Listen failure into ErrBindInUse or
// ErrBindCannotAssign so the CLI bootstrap can report a precise fatal
// startup reason instead of an opaque syscall error.
func classifyBindError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "address already in use"):
		return errors.Annotate(ErrBindInUse, err.Error())
	case strings.Contains(msg, "cannot assign requested address"):
		return errors.Annotate(ErrBindCannotAssign, err.Error())
	default:
		return err
	}
}

// isClosedConnErr reports whether err is the error net.Listener.Accept
// returns after Close has been called on it, so the accept loop can treat
// it as a clean shutdown rather than an operational failure.
func isClosedConnErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, os.ErrClosed)
}

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

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig_ValidateRequiresBindAddr(t *testing.T) {
	t.Parallel()
	c := &Config{LogLevel: LogLevelInfo}
	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "bind_addr")
}

func TestConfig_ValidateRejectsUnknownLogLevel(t *testing.T) {
	t.Parallel()
	c := &Config{LogLevel: "trace", Messaging: Messaging{BindAddr: "0.0.0.0:7000"}}
	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "log_level")
}

func TestConfig_ValidateAcceptsEveryKnownLogLevel(t *testing.T) {
	t.Parallel()
	for _, level := range []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError} {
		c := &Config{LogLevel: level, Messaging: Messaging{BindAddr: "0.0.0.0:7000"}}
		require.NoError(t, c.Validate(), "level %q should be valid", level)
	}
}

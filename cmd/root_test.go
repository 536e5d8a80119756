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

package cmd

import (
	"testing"
	"time"

	"github.com/coredb-io/meshring/internal/config"
	"github.com/coredb-io/meshring/internal/messaging"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_AllLevelsAccepted(t *testing.T) {
	t.Parallel()
	for _, level := range []config.LogLevel{
		config.LogLevelDebug, config.LogLevelInfo, config.LogLevelWarn, config.LogLevelError, "",
	} {
		cfg := &config.Config{LogLevel: level}
		require.NotPanics(t, func() { setupLogger(cfg) })
	}
}

func TestRegisterExampleHandlers_RejectsSecondRegistration(t *testing.T) {
	t.Parallel()
	hub := messaging.NewHub(messaging.HubConfig{CallbackTTL: time.Second}, nil, nil)
	t.Cleanup(func() { hub.Shutdown(t.Context()) })

	err := registerExampleHandlers(hub)
	require.NoError(t, err)

	// Registering the same verb twice is a fatal startup misconfiguration.
	err = registerExampleHandlers(hub)
	require.Error(t, err)
}

func TestNewCommand_SetsVersionAnnotations(t *testing.T) {
	t.Parallel()
	cmd := NewCommand("1.2.3", "abc123")
	require.Equal(t, "1.2.3", cmd.Annotations["version"])
	require.Equal(t, "abc123", cmd.Annotations["commit"])
}

// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/drrnair/dictatemed-mvp-sub009/internal/config"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/logging"
	"github.com/drrnair/dictatemed-mvp-sub009/internal/submission"
)

// newCredentials picks the credential source. A token file is re-read on
// every refresh so an external login helper can rotate it; a static token
// never refreshes.
func newCredentials(cfg config.SubmissionConfig) (submission.Credentials, error) {
	if cfg.TokenFile != "" {
		token, err := readTokenFile(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		refresh := func(context.Context) (string, error) {
			return readTokenFile(cfg.TokenFile)
		}
		return submission.NewSessionCredentials(token, refresh, cfg.RefreshSkew), nil
	}
	if cfg.Token != "" {
		return submission.StaticCredentials(cfg.Token), nil
	}
	return nil, errors.New("submission: token or token_file is required")
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("token file is empty")
	}
	return token, nil
}

// logNotifier surfaces persistent warnings in the log. The desktop shell
// reads them from the status API; the log line is for operators.
type logNotifier struct{}

func (logNotifier) PersistentWarning(msg string) {
	logging.Warn().Str("component", "notifier").Msg(msg)
}

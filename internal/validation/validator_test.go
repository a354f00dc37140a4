// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

package validation

import (
	"errors"
	"strings"
	"testing"
)

type sample struct {
	ID       string `validate:"required,notblank,max=8"`
	Mode     string `validate:"oneof=AMBIENT DICTATION"`
	Duration int    `validate:"min=0"`
}

func TestValidateStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     sample
		wantField string
		wantMsg   string
	}{
		{"valid", sample{ID: "r1", Mode: "AMBIENT", Duration: 42}, "", ""},
		{"missing id", sample{Mode: "AMBIENT"}, "ID", "ID is required"},
		{"blank id", sample{ID: "   ", Mode: "AMBIENT"}, "ID", "ID must not be blank"},
		{"long id", sample{ID: "123456789", Mode: "AMBIENT"}, "ID", "ID must be at most 8 characters"},
		{"bad mode", sample{ID: "r1", Mode: "LIVE"}, "Mode", "Mode must be one of: AMBIENT DICTATION"},
		{"negative duration", sample{ID: "r1", Mode: "DICTATION", Duration: -1}, "Duration", "Duration must be at least 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateStruct(&tt.input)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}

			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected *Error, got %T (%v)", err, err)
			}
			if len(verr.Fields) != 1 {
				t.Fatalf("expected 1 field error, got %d: %v", len(verr.Fields), verr)
			}
			if verr.Fields[0].Field != tt.wantField {
				t.Errorf("field = %s, want %s", verr.Fields[0].Field, tt.wantField)
			}
			if verr.Fields[0].Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", verr.Fields[0].Message, tt.wantMsg)
			}
			if !strings.HasPrefix(err.Error(), "validation failed: ") {
				t.Errorf("unexpected error text %q", err.Error())
			}
		})
	}
}

func TestGetValidator_Singleton(t *testing.T) {
	t.Parallel()
	if GetValidator() != GetValidator() {
		t.Error("expected the same validator instance")
	}
}

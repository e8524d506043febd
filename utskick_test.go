package utskick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStartTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-09-01T08:00:00Z", time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)},
		{"2026-09-01T08:00:00+02:00", time.Date(2026, 9, 1, 6, 0, 0, 0, time.UTC)},
		{"2026-09-01T08:00:00", time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)},
		{"2026-09-01 08:00:00", time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)},
		{"2026-09-01T08:00", time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseStartTime(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, got.Equal(tt.want), "%s parsed to %s, want %s", tt.in, got, tt.want)
	}

	_, err := ParseStartTime("next tuesday")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	sub := Submission{
		Subject:    "hello",
		Body:       "world",
		Recipients: []string{"a@example.com", "b@example.com"},
		StartTime:  "2026-09-01T08:00:00Z",
	}

	startAt, kept, err := sub.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, kept)
	assert.True(t, startAt.Equal(time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)))
}

func TestValidate_SkipsBadRecipients(t *testing.T) {
	sub := Submission{
		Subject:    "hello",
		Body:       "world",
		Recipients: []string{"a@example.com", "no-at-sign", "Some Name <b@example.com>", "b@example.com"},
		StartTime:  "2026-09-01T08:00:00Z",
	}

	// only bare addresses pass the structural check
	_, kept, err := sub.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, kept)
}

func TestValidate_Rejections(t *testing.T) {
	base := Submission{
		Subject:    "hello",
		Body:       "world",
		Recipients: []string{"a@example.com"},
		StartTime:  "2026-09-01T08:00:00Z",
	}

	tests := []struct {
		name   string
		mangle func(*Submission)
	}{
		{"no subject", func(s *Submission) { s.Subject = "" }},
		{"no body", func(s *Submission) { s.Body = "" }},
		{"no recipients", func(s *Submission) { s.Recipients = nil }},
		{"no start time", func(s *Submission) { s.StartTime = "" }},
		{"bad start time", func(s *Submission) { s.StartTime = "whenever" }},
		{"no valid recipient", func(s *Submission) { s.Recipients = []string{"nope", "also nope"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := base
			tt.mangle(&sub)
			_, _, err := sub.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

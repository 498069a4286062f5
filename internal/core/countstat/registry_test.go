package countstat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validStat() *CountStat {
	return &CountStat{
		Property:    "messages_sent:day",
		Interval:    IntervalDay,
		Kind:        KindPull,
		ScopeSet:    []Scope{ScopeUser, ScopeStream},
		SourceEvent: "message_sent",
		HasSubgroup: true,
		Dedup:       DedupDelete,
	}
}

func TestStatValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CountStat)
		wantErr string
	}{
		{"valid", func(s *CountStat) {}, ""},
		{"empty property", func(s *CountStat) { s.Property = "" }, "property must not be empty"},
		{"bad interval", func(s *CountStat) { s.Interval = "week" }, "invalid interval"},
		{"bad kind", func(s *CountStat) { s.Kind = "push" }, "invalid kind"},
		{"no scopes", func(s *CountStat) { s.ScopeSet = nil }, "at least one scope"},
		{"installation listed", func(s *CountStat) { s.ScopeSet = []Scope{ScopeInstallation} }, "always derived"},
		{"pull without source", func(s *CountStat) { s.SourceEvent = "" }, "require a source_event"},
		{"logging with source", func(s *CountStat) { s.Kind = KindLogging }, "must not declare a source_event"},
		{"logging at stream scope", func(s *CountStat) {
			s.Kind = KindLogging
			s.SourceEvent = ""
			s.ScopeSet = []Scope{ScopeStream}
		}, "cannot be incremented per stream"},
		{"bad zero rows", func(s *CountStat) { s.ZeroRows = "maybe" }, "invalid zero_rows"},
		{"zero rows with subgroup", func(s *CountStat) { s.ZeroRows = ZeroRowsWrite }, "incompatible with subgroups"},
		{"bad dedup", func(s *CountStat) { s.Dedup = "merge" }, "invalid dedup policy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stat := validStat()
			tt.mutate(stat)
			err := stat.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatAppliesAt(t *testing.T) {
	stat := validStat()

	require.True(t, stat.AppliesAt(ScopeUser))
	require.True(t, stat.AppliesAt(ScopeStream))
	require.False(t, stat.AppliesAt(ScopeRealm))
	// Every stat rolls up to installation.
	require.True(t, stat.AppliesAt(ScopeInstallation))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validStat()))

	// Duplicate property rejected.
	err := r.Register(validStat())
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate property")

	// Invalid definition rejected.
	bad := validStat()
	bad.Property = "broken"
	bad.Kind = "push"
	require.Error(t, r.Register(bad))

	stat, err := r.Get("messages_sent:day")
	require.NoError(t, err)
	require.Equal(t, "messages_sent:day", stat.Property)

	_, err = r.Get("never_registered")
	require.ErrorIs(t, err, ErrUnknownProperty)

	require.Equal(t, 1, r.Len())
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(validStat()))
	r.Freeze()

	other := validStat()
	other.Property = "invites_sent:day"
	other.ScopeSet = []Scope{ScopeRealm}
	err := r.Register(other)
	require.Error(t, err)
	require.Contains(t, err.Error(), "frozen")

	// Reads still work after freeze.
	all := r.All()
	require.Len(t, all, 1)
	require.Equal(t, "messages_sent:day", all[0].Property)
}

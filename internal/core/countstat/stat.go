package countstat

import (
	"fmt"
	"slices"
)

// Kind distinguishes how a property's values come into existence.
const (
	// KindPull stats are computed by scanning source events for a bucket
	// after the bucket closes. The rollup engine writes the full value in
	// one shot; a second write for the same identity key is a logic bug.
	KindPull = "pull"

	// KindLogging stats are incremented synchronously by the event-producing
	// code while the bucket is still open. The rollup engine only derives
	// the higher scopes from the already-incremented rows.
	KindLogging = "logging"
)

// Scope is the granularity level of a count row.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeStream       Scope = "stream"
	ScopeRealm        Scope = "realm"
	ScopeInstallation Scope = "installation"
)

// Scopes lists all scopes from leaf to root. Derivation and reconciliation
// walk this order.
var Scopes = []Scope{ScopeUser, ScopeStream, ScopeRealm, ScopeInstallation}

// ParseScope validates a scope string from CLI or query input.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeUser, ScopeStream, ScopeRealm, ScopeInstallation:
		return Scope(s), nil
	}
	return "", fmt.Errorf("invalid scope %q (must be user, stream, realm or installation)", s)
}

// ZeroRowPolicy controls whether entities with a zero value for a bucket get
// an explicit count row or no row at all.
const (
	ZeroRowsSuppress = "suppress"
	ZeroRowsWrite    = "write"
)

// DedupPolicy is the declared reconciliation rule for duplicate rows.
// This is configuration data, never inferred from the property name:
// applying delete-survivors to an accumulator silently loses data.
const (
	// DedupDelete keeps one row and deletes the rest. Correct for pull
	// stats, where every duplicate carries the same recomputed value.
	DedupDelete = "delete"

	// DedupSum sets the survivor to the sum of all duplicates before
	// deleting them. Correct for logging stats, where each duplicate is a
	// fragment of the true total.
	DedupSum = "sum"
)

// CountStat is one entry of the property catalog. Definitions are immutable
// after registry freeze; new properties are added by deployment, not at
// runtime.
type CountStat struct {
	// Property is the unique name, e.g. "messages_sent:day".
	Property string

	// Interval is the bucket cadence (hour, day or gauge).
	Interval Interval

	// Kind is KindPull or KindLogging.
	Kind string

	// ScopeSet lists the scopes the stat is computed or incremented at.
	// ScopeInstallation is always derived and need not be listed.
	ScopeSet []Scope

	// SourceEvent is the raw event type scanned for pull stats.
	// Empty for logging stats.
	SourceEvent string

	// HasSubgroup partitions the property by the source event's subgroup
	// column. A NULL subgroup is a concrete partition value of its own.
	HasSubgroup bool

	// ZeroRows is ZeroRowsSuppress or ZeroRowsWrite. Only meaningful for
	// user-scope pull stats without subgroups.
	ZeroRows string

	// Dedup is the declared reconciliation policy (DedupDelete or DedupSum).
	// Empty means undeclared: deduplication refuses to touch the property.
	Dedup string
}

// AppliesAt reports whether the stat is computed or incremented at scope.
// Installation is always implied: every stat rolls up to installation.
func (s *CountStat) AppliesAt(scope Scope) bool {
	if scope == ScopeInstallation {
		return true
	}
	return slices.Contains(s.ScopeSet, scope)
}

// Validate checks internal consistency of a definition.
func (s *CountStat) Validate() error {
	if s.Property == "" {
		return fmt.Errorf("count stat: property must not be empty")
	}
	if _, err := ParseInterval(string(s.Interval)); err != nil {
		return fmt.Errorf("count stat %q: %w", s.Property, err)
	}
	if s.Kind != KindPull && s.Kind != KindLogging {
		return fmt.Errorf("count stat %q: invalid kind %q (must be pull or logging)", s.Property, s.Kind)
	}
	if len(s.ScopeSet) == 0 {
		return fmt.Errorf("count stat %q: at least one scope is required", s.Property)
	}
	for _, sc := range s.ScopeSet {
		if _, err := ParseScope(string(sc)); err != nil {
			return fmt.Errorf("count stat %q: %w", s.Property, err)
		}
		if sc == ScopeInstallation {
			return fmt.Errorf("count stat %q: installation scope is always derived, do not list it", s.Property)
		}
		// The rollup derives realm rows for logging stats from user rows
		// only; a per-stream accumulator would never reach realm scope.
		if s.Kind == KindLogging && sc == ScopeStream {
			return fmt.Errorf("count stat %q: logging stats cannot be incremented per stream", s.Property)
		}
	}
	if s.Kind == KindPull && s.SourceEvent == "" {
		return fmt.Errorf("count stat %q: pull stats require a source_event", s.Property)
	}
	if s.Kind == KindLogging && s.SourceEvent != "" {
		return fmt.Errorf("count stat %q: logging stats must not declare a source_event", s.Property)
	}
	if s.ZeroRows != "" && s.ZeroRows != ZeroRowsSuppress && s.ZeroRows != ZeroRowsWrite {
		return fmt.Errorf("count stat %q: invalid zero_rows policy %q", s.Property, s.ZeroRows)
	}
	if s.ZeroRows == ZeroRowsWrite && s.HasSubgroup {
		return fmt.Errorf("count stat %q: zero_rows=write is incompatible with subgroups", s.Property)
	}
	if s.Dedup != "" && s.Dedup != DedupDelete && s.Dedup != DedupSum {
		return fmt.Errorf("count stat %q: invalid dedup policy %q", s.Property, s.Dedup)
	}
	return nil
}

package reset

import (
	"errors"
	"strings"
)

var ErrNoValidTables = errors.New("no valid tables")

type Strategy int

const (
	// Direct deletes the whole table with one statement.
	Direct Strategy = iota
	// Batched deletes id bounded chunks until the table is empty.
	Batched
)

func (s Strategy) String() string {
	if s == Batched {
		return "batched"
	}
	return "direct"
}

type TableSpec struct {
	Name     string
	Rank     int
	Strategy Strategy
}

// Tables is every table a reset may clear, in execution order.
var Tables = []TableSpec{
	{Name: "UserSessions", Rank: 0},
	{Name: "UserPreferences", Rank: 1},
	{Name: "PrefillSessions", Rank: 2},
	{Name: "EventDownloads", Rank: 3},
	{Name: "LogEntries", Rank: 4, Strategy: Batched},
	{Name: "Downloads", Rank: 5},
	{Name: "Events", Rank: 6},
	{Name: "ClientGroupMembers", Rank: 7},
	{Name: "ClientGroups", Rank: 8},
	{Name: "ClientStats", Rank: 8},
	{Name: "ServiceStats", Rank: 8},
	{Name: "SteamDepotMappings", Rank: 8},
	{Name: "CachedGameDetections", Rank: 8},
	{Name: "CachedServiceDetections", Rank: 8},
	{Name: "CachedCorruptionDetections", Rank: 8},
}

const (
	tableUserSessions       = "UserSessions"
	tableUserPreferences    = "UserPreferences"
	tableLogEntries         = "LogEntries"
	tableDownloads          = "Downloads"
	tableSteamDepotMappings = "SteamDepotMappings"
)

// TableNames returns the names of Tables.
func TableNames() []string {
	out := make([]string, len(Tables))
	for i, t := range Tables {
		out[i] = t.Name
	}
	return out
}

type Action int

const (
	// SetNull keeps the referencing rows and clears the key.
	SetNull Action = iota
	// DeleteReferencing removes the referencing rows, for keys that must
	// not be null.
	DeleteReferencing
)

// Relation is a foreign key from Table.Column to References.
type Relation struct {
	Table      string
	Column     string
	References string
	Action     Action
}

var Relations = []Relation{
	{Table: "LogEntries", Column: "DownloadId", References: "Downloads", Action: SetNull},
	{Table: "PrefillSessions", Column: "SessionId", References: "UserSessions", Action: SetNull},
	{Table: "UserPreferences", Column: "SessionId", References: "UserSessions", Action: SetNull},
	{Table: "EventDownloads", Column: "DownloadId", References: "Downloads", Action: DeleteReferencing},
	{Table: "EventDownloads", Column: "EventId", References: "Events", Action: DeleteReferencing},
	{Table: "ClientGroupMembers", Column: "GroupId", References: "ClientGroups", Action: DeleteReferencing},
}

// Plan filters requested against Tables and returns the known ones in
// execution order. Names match case insensitively; unknown names and
// duplicates are dropped.
func Plan(requested []string) ([]TableSpec, error) {
	want := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		want[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	var out []TableSpec
	for _, t := range Tables {
		if _, ok := want[strings.ToLower(t.Name)]; ok {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoValidTables
	}
	return out, nil
}

// dangling returns the relations whose referenced table is cleared while
// the referencing one is kept.
func dangling(plan []TableSpec) []Relation {
	in := make(map[string]bool, len(plan))
	for _, t := range plan {
		in[t.Name] = true
	}
	var out []Relation
	for _, r := range Relations {
		if in[r.References] && !in[r.Table] {
			out = append(out, r)
		}
	}
	return out
}

func contains(plan []TableSpec, name string) bool {
	for _, t := range plan {
		if t.Name == name {
			return true
		}
	}
	return false
}

package harness

import (
	"fmt"
	"strconv"
)

// wantsState reports whether e checks the location's state.
func wantsState(e *Expect) bool {
	return e != nil && (e.State != "" || e.Count != nil || e.BackupExists != nil || e.Registered != nil)
}

// checkExpect compares observations against e and returns one message
// per mismatch. Fields e leaves unset are not checked.
func checkExpect(e *Expect, obs []Observation) []string {
	if e == nil {
		return nil
	}
	got := make(map[string]string, len(obs))
	for _, o := range obs {
		got[o.Key] = o.Value
	}

	var errs []string
	check := func(key, want string) {
		v, ok := got[key]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("%s not observed, want %s", key, want))
		case v != want:
			errs = append(errs, fmt.Sprintf("%s = %s, want %s", key, v, want))
		}
	}

	if e.Strategy != "" {
		check("strategy", e.Strategy)
	}
	if e.Outcome != "" {
		check("outcome", e.Outcome)
	}
	if e.State != "" {
		check("state", e.State)
	}
	if e.Inserted != nil {
		check("inserted", strconv.Itoa(*e.Inserted))
	}
	if e.Updated != nil {
		check("updated", strconv.Itoa(*e.Updated))
	}
	if e.Count != nil {
		check("count", strconv.Itoa(*e.Count))
	}
	if e.BackupExists != nil {
		check("backup_exists", strconv.FormatBool(*e.BackupExists))
	}
	if e.Registered != nil {
		check("registered", strconv.FormatBool(*e.Registered))
	}
	return errs
}

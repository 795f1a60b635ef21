package model

import (
	"slices"
	"time"
)

const dateLayout = "2006-01-02"

// Diff compares two versions of the same goal and returns the field-level
// changes a history entry should record. Events and history are not diffed:
// events have their own lifecycle and history is append-only.
func Diff(before, after Goal) []FieldChange {
	var changes []FieldChange
	add := func(field string, oldV, newV any) {
		changes = append(changes, FieldChange{Field: field, OldValue: oldV, NewValue: newV})
	}

	if before.Title != after.Title {
		add("title", before.Title, after.Title)
	}
	if before.Type != after.Type {
		add("type", string(before.Type), string(after.Type))
	}
	if !sameDay(before.StartDate, after.StartDate) {
		add("startDate", before.StartDate.Format(dateLayout), after.StartDate.Format(dateLayout))
	}
	if !sameDay(before.Deadline, after.Deadline) {
		add("deadline", before.Deadline.Format(dateLayout), after.Deadline.Format(dateLayout))
	}
	if before.Frequency != after.Frequency {
		add("frequency", before.Frequency, after.Frequency)
	}
	if !slices.Equal(before.Domains, after.Domains) {
		add("domains", before.Domains, after.Domains)
	}
	if !slices.Equal(before.Motivations, after.Motivations) {
		add("motivations", before.Motivations, after.Motivations)
	}
	if !slices.Equal(stepTexts(before.NextSteps), stepTexts(after.NextSteps)) {
		add("nextSteps", stepTexts(before.NextSteps), stepTexts(after.NextSteps))
	}
	if !slices.Equal(before.Rewards, after.Rewards) {
		add("rewards", before.Rewards, after.Rewards)
	}
	if !slices.Equal(before.Triggers, after.Triggers) {
		add("triggers", len(before.Triggers), len(after.Triggers))
	}
	return changes
}

// RecordUpdate appends an update entry describing the changes from before
// to g and bumps LastModified. No entry is added when nothing changed.
func (g *Goal) RecordUpdate(before Goal, now time.Time) {
	changes := Diff(before, *g)
	g.LastModified = now.UTC()
	if len(changes) == 0 {
		return
	}
	g.History = append(g.History, GoalHistory{
		ID:      NewID(),
		Date:    now.UTC(),
		Type:    HistoryUpdate,
		Changes: changes,
	})
}

// RecordCreate appends the initial create entry.
func (g *Goal) RecordCreate(now time.Time) {
	g.LastModified = now.UTC()
	g.History = append(g.History, GoalHistory{
		ID:      NewID(),
		Date:    now.UTC(),
		Type:    HistoryCreate,
		Changes: []FieldChange{},
	})
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format(dateLayout) == b.UTC().Format(dateLayout)
}

func stepTexts(steps []NextStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Text
	}
	return out
}

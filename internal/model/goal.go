package model

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type GoalType string

const (
	GoalTypeAchievement GoalType = "achievement"
	GoalTypeHabit       GoalType = "habit"
)

type Domain string

// Domains is the closed vocabulary of life areas a goal can be tagged with.
var Domains = []Domain{
	"精神", "智力", "情感", "职业", "婚姻",
	"亲子", "社交", "娱乐", "财务", "健康",
}

func (d Domain) Valid() bool {
	return slices.Contains(Domains, d)
}

type HistoryType string

const (
	HistoryCreate HistoryType = "create"
	HistoryUpdate HistoryType = "update"
)

type Trigger struct {
	ID   string `json:"id"`
	When string `json:"when"`
	Then string `json:"then"`
}

type Event struct {
	ID        string    `json:"id"`
	Date      time.Time `json:"date"`
	Content   string    `json:"content"`
	Completed bool      `json:"completed"`
	Note      string    `json:"note,omitempty"`
}

type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

type GoalHistory struct {
	ID      string        `json:"id"`
	Date    time.Time     `json:"date"`
	Type    HistoryType   `json:"type"`
	Changes []FieldChange `json:"changes"`
}

// NextStep carries a stable id so completion state survives edits to the text.
type NextStep struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Goal struct {
	ID             string          `json:"id"`
	Type           GoalType        `json:"type"`
	Title          string          `json:"title"`
	StartDate      time.Time       `json:"startDate"`
	Deadline       time.Time       `json:"deadline"`
	Frequency      string          `json:"frequency,omitempty"`
	Domains        []Domain        `json:"domains"`
	Motivations    []string        `json:"motivations"`
	NextSteps      []NextStep      `json:"nextSteps"`
	NextStepStatus map[string]bool `json:"nextStepStatus"`
	Rewards        []string        `json:"rewards"`
	Triggers       []Trigger       `json:"triggers"`
	Events         []Event         `json:"events"`
	History        []GoalHistory   `json:"history"`
	LastModified   time.Time       `json:"lastModified"`
}

// Normalize brings a goal into its canonical stored form: UTC dates, non-nil
// collections, de-duplicated domains and a NextStepStatus restricted to the
// ids of the current steps. It is idempotent and never writes through
// slices shared with a copy of the goal.
func (g *Goal) Normalize() {
	g.Events = slices.Clone(g.Events)
	g.History = slices.Clone(g.History)

	g.StartDate = g.StartDate.UTC()
	g.Deadline = g.Deadline.UTC()
	g.LastModified = g.LastModified.UTC()
	if g.Type == GoalTypeAchievement {
		g.Frequency = ""
	}

	seen := make(map[Domain]bool, len(g.Domains))
	domains := make([]Domain, 0, len(g.Domains))
	for _, d := range g.Domains {
		if !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}
	g.Domains = domains

	if g.Motivations == nil {
		g.Motivations = []string{}
	}
	if g.NextSteps == nil {
		g.NextSteps = []NextStep{}
	}
	if g.Rewards == nil {
		g.Rewards = []string{}
	}
	if g.Triggers == nil {
		g.Triggers = []Trigger{}
	}
	if g.Events == nil {
		g.Events = []Event{}
	}
	if g.History == nil {
		g.History = []GoalHistory{}
	}

	status := make(map[string]bool, len(g.NextStepStatus))
	for _, s := range g.NextSteps {
		if done, ok := g.NextStepStatus[s.ID]; ok {
			status[s.ID] = done
		}
	}
	g.NextStepStatus = status

	for i := range g.Events {
		g.Events[i].Date = g.Events[i].Date.UTC()
	}
	for i := range g.History {
		g.History[i].Date = g.History[i].Date.UTC()
		if g.History[i].Changes == nil {
			g.History[i].Changes = []FieldChange{}
		}
	}
}

// Validate reports every structural problem with the goal. It expects a
// normalized goal: NextStepStatus keys that name no current step are pruned
// by Normalize, not reported here.
func (g *Goal) Validate() error {
	var errs []error
	if strings.TrimSpace(g.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(g.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	switch g.Type {
	case GoalTypeAchievement, GoalTypeHabit:
	default:
		errs = append(errs, fmt.Errorf("unknown goal type %q", g.Type))
	}
	if g.StartDate.IsZero() {
		errs = append(errs, errors.New("startDate is required"))
	}
	if g.Deadline.IsZero() {
		errs = append(errs, errors.New("deadline is required"))
	}
	if !g.StartDate.IsZero() && !g.Deadline.IsZero() && g.Deadline.Before(g.StartDate) {
		errs = append(errs, errors.New("deadline is before startDate"))
	}
	for _, d := range g.Domains {
		if !d.Valid() {
			errs = append(errs, fmt.Errorf("unknown domain %q", d))
		}
	}

	stepIDs := make(map[string]bool, len(g.NextSteps))
	for _, s := range g.NextSteps {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("next step %q has no id", s.Text))
			continue
		}
		if stepIDs[s.ID] {
			errs = append(errs, fmt.Errorf("duplicate next step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}
	eventIDs := make(map[string]bool, len(g.Events))
	for _, e := range g.Events {
		if e.ID == "" {
			errs = append(errs, errors.New("event id is required"))
			continue
		}
		if eventIDs[e.ID] {
			errs = append(errs, fmt.Errorf("duplicate event id %q", e.ID))
		}
		eventIDs[e.ID] = true
		if e.Date.IsZero() {
			errs = append(errs, fmt.Errorf("event %q has no date", e.ID))
		}
	}
	for _, h := range g.History {
		if h.Type != HistoryCreate && h.Type != HistoryUpdate {
			errs = append(errs, fmt.Errorf("history %q has unknown type %q", h.ID, h.Type))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("goal %q: %w", g.ID, errors.Join(errs...))
}

// EventIndex returns the index of the event with the given id, or -1.
func (g *Goal) EventIndex(id string) int {
	return slices.IndexFunc(g.Events, func(e Event) bool { return e.ID == id })
}

// StepDone reports the completion state of a next step.
func (g *Goal) StepDone(stepID string) bool {
	return g.NextStepStatus[stepID]
}

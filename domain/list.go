package domain

import (
	"slices"
	"strings"
)

// Built-in list ids.
const (
	ListMyDay     = "myday"
	ListImportant = "important"
	ListPlanned   = "planned"
	ListTasks     = "tasks"
)

// List is a grouping of tasks. Custom lists are user defined; a task refers
// to its list by id only and deleting a list leaves its tasks untouched.
type List struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Icon    string `json:"icon"`
	Color   string `json:"color"`
	Builtin bool   `json:"builtin,omitempty"`
	Count   int    `json:"count"`
}

// BuiltinLists returns the fixed lists in display order.
func BuiltinLists() []List {
	return []List{
		{ID: ListMyDay, Title: "My Day", Icon: "sunny-outline", Color: "#60a5fa", Builtin: true},
		{ID: ListImportant, Title: "Important", Icon: "star-outline", Color: "#f87171", Builtin: true},
		{ID: ListPlanned, Title: "Planned", Icon: "calendar-outline", Color: "#34d399", Builtin: true},
		{ID: ListTasks, Title: "Tasks", Icon: "home-outline", Color: "#818cf8", Builtin: true},
	}
}

// IsBuiltinList reports whether id names one of the fixed lists.
func IsBuiltinList(id string) bool {
	switch id {
	case ListMyDay, ListImportant, ListPlanned, ListTasks:
		return true
	}
	return false
}

// Matches reports whether t belongs to the given view. Important and planned
// are derived views; every other id selects tasks by list membership. An
// empty view matches everything.
func Matches(view string, t Task) bool {
	switch view {
	case "":
		return true
	case ListImportant:
		return t.Important
	case ListPlanned:
		return t.DueDate != nil
	default:
		return t.ListID == view
	}
}

// Filter returns the tasks of a view in display order.
func Filter(view string, tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if Matches(view, t) {
			out = append(out, t)
		}
	}
	SortForList(out)
	return out
}

// SortForList orders open tasks before completed ones, newest first.
func SortForList(tasks []Task) {
	slices.SortStableFunc(tasks, func(a, b Task) int {
		if a.Completed != b.Completed {
			if a.Completed {
				return 1
			}
			return -1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

// CountOpen counts the incomplete tasks of a view.
func CountOpen(view string, tasks []Task) int {
	n := 0
	for _, t := range tasks {
		if !t.Completed && Matches(view, t) {
			n++
		}
	}
	return n
}

// Search returns the tasks whose title contains q, ignoring case.
func Search(tasks []Task, q string) []Task {
	q = strings.ToLower(strings.TrimSpace(q))
	out := make([]Task, 0)
	if q == "" {
		return out
	}
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), q) {
			out = append(out, t)
		}
	}
	SortForList(out)
	return out
}

// MyDayCandidates lists the open tasks that are not yet part of My Day.
func MyDayCandidates(tasks []Task) []Task {
	out := make([]Task, 0)
	for _, t := range tasks {
		if t.ListID != ListMyDay && !t.Completed {
			out = append(out, t)
		}
	}
	SortForList(out)
	return out
}

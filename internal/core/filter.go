package core

// IssueFilter selects issues in list queries. Zero-value fields match
// everything; set fields are ANDed together.
type IssueFilter struct {
	Status   Status
	Priority Priority
	Author   string
	Assignee string
	Label    string
	Project  string
}

// IsZero reports whether the filter matches every issue.
func (f IssueFilter) IsZero() bool {
	return f == IssueFilter{}
}

// Match applies the filter predicates to one issue.
func (f IssueFilter) Match(issue *Issue) bool {
	if f.Status != "" && issue.Status != f.Status {
		return false
	}
	if f.Priority != "" && issue.Priority != f.Priority {
		return false
	}
	if f.Author != "" && issue.Author != f.Author {
		return false
	}
	if f.Assignee != "" && !SetContains(issue.Assignees, f.Assignee) {
		return false
	}
	if f.Label != "" && !SetContains(issue.Labels, f.Label) {
		return false
	}
	if f.Project != "" && (issue.Project == nil || *issue.Project != f.Project) {
		return false
	}
	return true
}

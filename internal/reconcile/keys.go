package reconcile

import (
	"github.com/lherron/graphport/internal/domain"
)

// Policy says how a foreign key is translated into destination space.
type Policy int

const (
	// Ref keys point at an entity restored earlier in the same import.
	Ref Policy = iota
	// User keys go through the member identity map.
	User
	// Author keys are users too; absent authors become the ghost user.
	Author
	// Project keys are rewritten to the destination project.
	Project
	// ForkedFrom keys keep pointing at the project itself or become the
	// external sentinel.
	ForkedFrom
	// Group keys only survive on reused shared entities; the resolver
	// decides.
	Group
)

// Key is one foreign key column of a type.
type Key struct {
	Column string
	Target domain.TypeName
	Policy Policy
}

var keys = map[domain.TypeName][]Key{
	domain.TypeLabel: {
		{Column: "project_id", Policy: Project},
		{Column: "group_id", Policy: Group},
	},
	domain.TypeLabelPriority: {
		{Column: "project_id", Policy: Project},
		{Column: "label_id", Target: domain.TypeLabel, Policy: Ref},
	},
	domain.TypeLabelLink: {
		{Column: "label_id", Target: domain.TypeLabel, Policy: Ref},
	},
	domain.TypeMilestone: {
		{Column: "project_id", Policy: Project},
		{Column: "group_id", Policy: Group},
	},
	domain.TypeIssue: {
		{Column: "project_id", Policy: Project},
		{Column: "author_id", Policy: Author},
		{Column: "milestone_id", Target: domain.TypeMilestone, Policy: Ref},
	},
	domain.TypeNote: {
		{Column: "project_id", Policy: Project},
		{Column: "author_id", Policy: Author},
	},
	domain.TypeResourceLabelEvent: {
		{Column: "user_id", Policy: User},
		{Column: "label_id", Target: domain.TypeLabel, Policy: Ref},
	},
	domain.TypeDesign: {
		{Column: "project_id", Policy: Project},
	},
	domain.TypeEpic: {
		{Column: "group_id", Policy: Group},
		{Column: "author_id", Policy: Author},
	},
	domain.TypeEpicIssue: {
		{Column: "epic_id", Target: domain.TypeEpic, Policy: Ref},
	},
	domain.TypeMergeRequest: {
		{Column: "target_project_id", Policy: Project},
		{Column: "source_project_id", Policy: ForkedFrom},
		{Column: "author_id", Policy: Author},
		{Column: "milestone_id", Target: domain.TypeMilestone, Policy: Ref},
	},
	domain.TypeMergeRequestDiffCommit: {
		{Column: "commit_author_id", Target: domain.TypeMergeRequestDiffCommitUser, Policy: Ref},
		{Column: "committer_id", Target: domain.TypeMergeRequestDiffCommitUser, Policy: Ref},
	},
	domain.TypeApproval: {
		{Column: "user_id", Policy: User},
	},
	domain.TypePipeline: {
		{Column: "project_id", Policy: Project},
		{Column: "user_id", Policy: User},
	},
	domain.TypeStage: {
		{Column: "project_id", Policy: Project},
	},
	domain.TypeBuild: {
		{Column: "project_id", Policy: Project},
		{Column: "user_id", Policy: User},
		{Column: "pipeline_id", Target: domain.TypePipeline, Policy: Ref},
	},
	domain.TypeTrigger: {
		{Column: "project_id", Policy: Project},
		{Column: "owner_id", Policy: User},
	},
	domain.TypeProtectedBranch: {
		{Column: "project_id", Policy: Project},
	},
}

// KeysOf returns the foreign keys declared for t.
func KeysOf(t domain.TypeName) []Key {
	return keys[t]
}
